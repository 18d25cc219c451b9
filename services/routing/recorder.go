package routing

import (
	"context"
	"time"

	"github.com/upb/llm-bridge/services/providers"
)

// MetadataRequestID is the request metadata key carrying the caller's request id
const MetadataRequestID = "request_id"

// QueryRecord is the outcome of one Bridge.Query call
type QueryRecord struct {
	RequestID        string
	Provider         string
	OriginalProvider string
	Fallback         bool
	Model            string
	Usage            providers.Usage
	Latency          time.Duration
	Error            string
	CreatedAt        time.Time
}

// QueryRecorder persists query outcomes. Failures are logged by the bridge
// and never change the query result.
type QueryRecorder interface {
	RecordQuery(ctx context.Context, rec *QueryRecord) error
}

// Option configures a Bridge
type Option func(*Bridge)

// WithRecorder attaches a recorder invoked after every Query
func WithRecorder(r QueryRecorder) Option {
	return func(b *Bridge) {
		b.recorder = r
	}
}

func buildRecord(req *providers.QueryRequest, provider string, resp *providers.QueryResponse, err error, latency time.Duration) *QueryRecord {
	rec := &QueryRecord{
		Provider:  provider,
		Latency:   latency,
		CreatedAt: time.Now().UTC(),
	}
	if req != nil {
		rec.RequestID = req.Metadata[MetadataRequestID]
		rec.Model = req.Model
	}
	if err != nil {
		rec.Error = err.Error()
		return rec
	}

	rec.Provider = resp.Provider
	rec.Fallback = resp.Fallback
	rec.OriginalProvider = resp.OriginalProvider
	rec.Usage = resp.Usage
	if resp.Model != "" {
		rec.Model = resp.Model
	}
	return rec
}

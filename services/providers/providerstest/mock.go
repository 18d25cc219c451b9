// Package providerstest provides an in-memory Connector for tests.
package providerstest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/upb/llm-bridge/services/providers"
)

// MockConnector is a test implementation of the providers.Connector interface
type MockConnector struct {
	name      string
	connected bool
	models    []providers.ModelDescriptor
	chunks    []string

	mu       sync.Mutex
	queryErr error
	queries  []*providers.QueryRequest
	calls    atomic.Int64

	// QueryFunc overrides Query when set
	QueryFunc func(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error)

	// StreamFunc overrides StreamQuery when set
	StreamFunc func(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error)

	// ModelsFunc overrides GetModels when set
	ModelsFunc func(ctx context.Context) []providers.ModelDescriptor

	// TestFunc overrides TestConnection when set
	TestFunc func(ctx context.Context) bool
}

// NewMockConnector returns a connector that answers every query successfully
func NewMockConnector(name string) *MockConnector {
	return &MockConnector{
		name:      name,
		connected: true,
		models:    providers.StaticModels(name, []string{name + "-model-1", name + "-model-2"}),
		chunks:    []string{"Hello", ", ", "world"},
	}
}

// Failing returns a connector whose Query always fails with err
func Failing(name string, err error) *MockConnector {
	m := NewMockConnector(name)
	m.SetQueryError(err)
	return m
}

// SetQueryError makes subsequent queries fail with err
func (m *MockConnector) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// SetConnected controls TestConnection
func (m *MockConnector) SetConnected(connected bool) {
	m.connected = connected
}

// SetChunks controls the stream content
func (m *MockConnector) SetChunks(chunks ...string) {
	m.chunks = chunks
}

// Calls returns how many times Query was invoked
func (m *MockConnector) Calls() int {
	return int(m.calls.Load())
}

// LastRequest returns the most recent request passed to Query
func (m *MockConnector) LastRequest() *providers.QueryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return nil
	}
	return m.queries[len(m.queries)-1]
}

func (m *MockConnector) Name() string {
	return m.name
}

func (m *MockConnector) Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.queries = append(m.queries, req)
	queryErr := m.queryErr
	m.mu.Unlock()

	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, req)
	}
	if queryErr != nil {
		return nil, queryErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &providers.QueryResponse{
		Content:  "response from " + m.name,
		Model:    m.name + "-model-1",
		Usage:    providers.NewUsage(10, 20, 0),
		Metadata: map[string]string{"finish_reason": "stop"},
	}, nil
}

func (m *MockConnector) StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	m.mu.Lock()
	queryErr := m.queryErr
	m.mu.Unlock()
	if queryErr != nil {
		return nil, queryErr
	}
	return &SliceStream{Model: m.name + "-model-1", Chunks: append([]string(nil), m.chunks...)}, nil
}

func (m *MockConnector) GetModels(ctx context.Context) []providers.ModelDescriptor {
	if m.ModelsFunc != nil {
		return m.ModelsFunc(ctx)
	}
	return m.models
}

func (m *MockConnector) TestConnection(ctx context.Context) bool {
	if m.TestFunc != nil {
		return m.TestFunc(ctx)
	}
	return m.connected
}

// SliceStream replays fixed chunks followed by a Done chunk
type SliceStream struct {
	Model  string
	Chunks []string
	// Err, when set, is returned after the chunks instead of the Done chunk
	Err error

	pos    int
	done   bool
	closed bool
}

// Closed reports whether Close was called
func (s *SliceStream) Closed() bool {
	return s.closed
}

func (s *SliceStream) Recv() (*providers.QueryResponse, error) {
	if s.closed {
		return nil, providers.ErrStreamClosed
	}
	if s.pos < len(s.Chunks) {
		chunk := &providers.QueryResponse{Content: s.Chunks[s.pos], Model: s.Model}
		s.pos++
		return chunk, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if !s.done {
		s.done = true
		return &providers.QueryResponse{Model: s.Model, Done: true, Usage: providers.NewUsage(3, len(s.Chunks), 0)}, nil
	}
	return nil, io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Collect drains a stream into a single response and closes it
func Collect(stream providers.Stream) (*providers.QueryResponse, error) {
	defer stream.Close()

	var (
		sb  strings.Builder
		out providers.QueryResponse
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		sb.WriteString(chunk.Content)
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Provider != "" {
			out.Provider = chunk.Provider
		}
		if chunk.Done {
			out.Usage = chunk.Usage
			out.Metadata = chunk.Metadata
		}
	}
	out.Content = sb.String()
	out.Done = true
	return &out, nil
}

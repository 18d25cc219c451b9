package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-bridge/config"
	"github.com/upb/llm-bridge/services/providers"
	"go.uber.org/zap"
)

// ConnectorFactory builds a connector for one provider entry
type ConnectorFactory interface {
	Create(settings config.ProviderSettings) (providers.Connector, error)
}

// ConnectionStatus is the outcome of one connector's connection test.
// Error is nil when the connector is connected.
type ConnectionStatus struct {
	Connected bool    `json:"connected"`
	Error     *string `json:"error"`
}

func failedConnection(message string) ConnectionStatus {
	return ConnectionStatus{Error: &message}
}

// Bridge selects a connector per request and falls back through the
// remaining connectors on failure. The registry is fixed at construction.
type Bridge struct {
	defaultProvider string
	loadBalancing   string
	enableFallback  bool

	registry *providers.Registry
	cursor   atomic.Uint64
	counters *counterSet
	recorder QueryRecorder
	logger   *zap.Logger
}

// NewBridge builds a connector for every enabled provider entry, in order.
// Entries the factory rejects are logged and skipped; a bridge with zero
// connectors is still returned.
func NewBridge(cfg config.BridgeConfig, factory ConnectorFactory, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}

	var connectors []providers.Connector
	for _, settings := range cfg.EnabledProviders() {
		connector, err := factory.Create(settings)
		if err != nil {
			logger.Warn("skipping provider",
				zap.String("provider", settings.Name),
				zap.String("type", settings.Kind()),
				zap.Error(err))
			continue
		}
		connectors = append(connectors, connector)
	}

	return NewBridgeWithConnectors(cfg, connectors, logger, opts...)
}

// NewBridgeWithConnectors builds a bridge over pre-made connectors.
// cfg.Providers is ignored.
func NewBridgeWithConnectors(cfg config.BridgeConfig, connectors []providers.Connector, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := providers.NewRegistry()
	for _, c := range connectors {
		if err := registry.Register(c); err != nil {
			logger.Warn("skipping connector", zap.Error(err))
		}
	}

	policy := cfg.LoadBalancing
	switch policy {
	case config.LoadBalancingDefault, config.LoadBalancingRoundRobin, config.LoadBalancingRandom:
	default:
		logger.Warn("unrecognized load balancing policy, using default",
			zap.String("load_balancing", policy))
		policy = config.LoadBalancingDefault
	}

	b := &Bridge{
		defaultProvider: cfg.DefaultProvider,
		loadBalancing:   policy,
		enableFallback:  cfg.EnableFallback,
		registry:        registry,
		counters:        newCounterSet(registry.Names()),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(b)
	}

	logger.Info("bridge initialized",
		zap.Strings("providers", registry.Names()),
		zap.String("default_provider", b.defaultProvider),
		zap.String("load_balancing", b.loadBalancing),
		zap.Bool("fallback", b.enableFallback))

	return b
}

// SelectProvider picks the provider name for a request without an explicit
// provider. With no connectors it returns the configured default, which the
// caller then fails to resolve.
func (b *Bridge) SelectProvider() string {
	n := b.registry.Count()
	switch n {
	case 0:
		return b.defaultProvider
	case 1:
		return b.registry.At(0)
	}

	switch b.loadBalancing {
	case config.LoadBalancingRoundRobin:
		i := b.cursor.Add(1) - 1
		return b.registry.At(int(i % uint64(n)))
	case config.LoadBalancingRandom:
		return b.registry.At(rand.IntN(n))
	default:
		if _, ok := b.registry.Get(b.defaultProvider); ok {
			return b.defaultProvider
		}
		return b.registry.At(0)
	}
}

// Query executes req against the selected provider, falling back through
// the other providers when allowed
func (b *Bridge) Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
	if req == nil {
		req = &providers.QueryRequest{}
	}

	start := time.Now()
	resp, provider, err := b.query(ctx, req)
	b.record(ctx, req, provider, resp, err, time.Since(start))
	return resp, err
}

func (b *Bridge) query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, string, error) {
	name, explicit := b.resolve(req)
	connector, ok := b.registry.Get(name)
	if !ok {
		return nil, name, &ProviderUnavailableError{Provider: name}
	}

	resp, err := b.call(ctx, name, connector, req, false)
	if err == nil {
		return resp, name, nil
	}

	if explicit || !b.enableFallback {
		return nil, name, err
	}

	b.logger.Warn("provider failed",
		zap.String("provider", name),
		zap.Error(err))

	resp, err = b.fallback(ctx, req, name, err)
	return resp, name, err
}

// fallback tries every other provider in registry order
func (b *Bridge) fallback(ctx context.Context, req *providers.QueryRequest, failed string, primaryErr error) (*providers.QueryResponse, error) {
	candidates := make([]string, 0, b.registry.Count())
	for _, name := range b.registry.Names() {
		if name != failed {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, primaryErr
	}

	var failures []ProviderFailure
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			failures = append(failures, ProviderFailure{Provider: name, Err: err})
			break
		}

		connector, _ := b.registry.Get(name)
		b.logger.Info("trying fallback provider",
			zap.String("provider", name),
			zap.String("original_provider", failed))

		resp, err := b.call(ctx, name, connector, req, true)
		if err == nil {
			resp.Fallback = true
			resp.OriginalProvider = failed
			return resp, nil
		}

		b.logger.Warn("fallback provider failed",
			zap.String("provider", name),
			zap.Error(err))
		failures = append(failures, ProviderFailure{Provider: name, Err: err})
	}

	return nil, newAllProvidersFailedError(failed, primaryErr, failures)
}

// call runs one connector query, stamps the provider and updates counters
func (b *Bridge) call(ctx context.Context, name string, connector providers.Connector, req *providers.QueryRequest, fallback bool) (*providers.QueryResponse, error) {
	resp, err := connector.Query(ctx, req)
	if err == nil && resp == nil {
		err = providers.NewProviderError(name, providers.CodeUpstream, "connector returned no response", 0, false, nil)
	}
	b.counters.record(name, err, fallback)
	if err != nil {
		return nil, err
	}

	resp.Provider = name
	return resp, nil
}

// StreamQuery opens a stream on the resolved provider. There is no fallback:
// once chunks flow a switch would duplicate output. The outcome is counted
// and recorded when the stream ends or is closed.
func (b *Bridge) StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error) {
	if req == nil {
		req = &providers.QueryRequest{}
	}

	start := time.Now()
	name, _ := b.resolve(req)
	connector, ok := b.registry.Get(name)
	if !ok {
		err := &ProviderUnavailableError{Provider: name}
		b.record(ctx, req, name, nil, err, time.Since(start))
		return nil, err
	}

	stream, err := connector.StreamQuery(ctx, req)
	if err == nil && stream == nil {
		err = providers.NewProviderError(name, providers.CodeUpstream, "connector returned no stream", 0, false, nil)
	}
	if err != nil {
		b.counters.record(name, err, false)
		b.record(ctx, req, name, nil, err, time.Since(start))
		return nil, err
	}

	return &stampedStream{
		Stream:   stream,
		provider: name,
		bridge:   b,
		ctx:      ctx,
		req:      req,
		start:    start,
	}, nil
}

// TestAllConnections tests every connector concurrently. Each entry is
// independent; a panicking connector only marks its own entry.
func (b *Bridge) TestAllConnections(ctx context.Context) map[string]ConnectionStatus {
	results := make(map[string]ConnectionStatus, b.registry.Count())
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	b.registry.Each(func(name string, c providers.Connector) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := b.testConnection(ctx, name, c)
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	})
	wg.Wait()

	return results
}

func (b *Bridge) testConnection(ctx context.Context, name string, c providers.Connector) (status ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("connection test panicked", zap.String("provider", name), zap.Any("panic", r))
			status = failedConnection(fmt.Sprintf("connection test panicked: %v", r))
		}
	}()

	if c.TestConnection(ctx) {
		return ConnectionStatus{Connected: true}
	}
	return failedConnection("connection test failed")
}

// GetAllModels lists models from every connector concurrently. A failing
// connector yields an empty list, never nil.
func (b *Bridge) GetAllModels(ctx context.Context) map[string][]providers.ModelDescriptor {
	results := make(map[string][]providers.ModelDescriptor, b.registry.Count())
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	b.registry.Each(func(name string, c providers.Connector) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			models := b.listModels(ctx, name, c)
			mu.Lock()
			results[name] = models
			mu.Unlock()
		}()
	})
	wg.Wait()

	return results
}

func (b *Bridge) listModels(ctx context.Context, name string, c providers.Connector) (models []providers.ModelDescriptor) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("model listing panicked", zap.String("provider", name), zap.Any("panic", r))
			models = []providers.ModelDescriptor{}
		}
	}()

	models = c.GetModels(ctx)
	if models == nil {
		models = []providers.ModelDescriptor{}
	}
	return models
}

// GetAvailableProviders returns the registered provider names in order
func (b *Bridge) GetAvailableProviders() []string {
	return b.registry.Names()
}

// GetStats returns the bridge configuration and per-provider counters
func (b *Bridge) GetStats() Stats {
	return Stats{
		Connectors:      b.registry.Count(),
		Providers:       b.registry.Names(),
		DefaultProvider: b.defaultProvider,
		LoadBalancing:   b.loadBalancing,
		EnableFallback:  b.enableFallback,
		Requests:        b.counters.snapshot(),
	}
}

// resolve returns the target provider and whether the caller pinned it
func (b *Bridge) resolve(req *providers.QueryRequest) (string, bool) {
	if req.Provider != "" {
		return req.Provider, true
	}
	return b.SelectProvider(), false
}

func (b *Bridge) record(ctx context.Context, req *providers.QueryRequest, provider string, resp *providers.QueryResponse, err error, latency time.Duration) {
	if b.recorder == nil {
		return
	}
	rec := buildRecord(req, provider, resp, err, latency)
	if recErr := b.recorder.RecordQuery(context.WithoutCancel(ctx), rec); recErr != nil {
		b.logger.Warn("failed to record query",
			zap.String("provider", rec.Provider),
			zap.String("request_id", rec.RequestID),
			zap.Error(recErr))
	}
}

// stampedStream sets Provider on every chunk of the wrapped stream and
// reports the outcome once, at EOF, on error or on Close.
type stampedStream struct {
	providers.Stream
	provider string

	bridge *Bridge
	ctx    context.Context
	req    *providers.QueryRequest
	start  time.Time

	model string
	usage providers.Usage
	once  sync.Once
}

func (s *stampedStream) Recv() (*providers.QueryResponse, error) {
	chunk, err := s.Stream.Recv()
	if chunk != nil {
		chunk.Provider = s.provider
		if chunk.Model != "" {
			s.model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			s.usage = chunk.Usage
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		s.finish(nil)
	case err != nil:
		s.finish(err)
	}
	return chunk, err
}

// Close releases the upstream stream. Closing before EOF counts as a success
// unless the request context was cancelled.
func (s *stampedStream) Close() error {
	err := s.Stream.Close()
	s.finish(s.ctx.Err())
	return err
}

func (s *stampedStream) finish(err error) {
	s.once.Do(func() {
		s.bridge.counters.record(s.provider, err, false)

		var resp *providers.QueryResponse
		if err == nil {
			resp = &providers.QueryResponse{Provider: s.provider, Model: s.model, Usage: s.usage}
		}
		s.bridge.record(s.ctx, s.req, s.provider, resp, err, time.Since(s.start))
	})
}

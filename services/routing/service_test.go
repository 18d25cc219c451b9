package routing

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-bridge/config"
	"github.com/upb/llm-bridge/services/providers"
	"github.com/upb/llm-bridge/services/providers/providerstest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func bridgeConfig(policy string, fallback bool) config.BridgeConfig {
	return config.BridgeConfig{
		DefaultProvider: "a",
		LoadBalancing:   policy,
		EnableFallback:  fallback,
		RetryAttempts:   1,
	}
}

func newBridge(policy string, fallback bool, connectors ...providers.Connector) *Bridge {
	return NewBridgeWithConnectors(bridgeConfig(policy, fallback), connectors, zap.NewNop())
}

func mocks(names ...string) []providers.Connector {
	out := make([]providers.Connector, 0, len(names))
	for _, name := range names {
		out = append(out, providerstest.NewMockConnector(name))
	}
	return out
}

func TestSelectProvider_RoundRobin(t *testing.T) {
	b := newBridge(config.LoadBalancingRoundRobin, true, mocks("a", "b", "c")...)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, b.SelectProvider())
	}

	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestSelectProvider_RoundRobinCoversEveryProviderOncePerCycle(t *testing.T) {
	names := []string{"p1", "p2", "p3", "p4", "p5"}
	b := newBridge(config.LoadBalancingRoundRobin, true, mocks(names...)...)

	seen := map[string]int{}
	for range names {
		seen[b.SelectProvider()]++
	}
	for _, name := range names {
		assert.Equal(t, 1, seen[name], name)
	}
	assert.Equal(t, "p1", b.SelectProvider())
}

func TestSelectProvider_RoundRobinConcurrent(t *testing.T) {
	b := newBridge(config.LoadBalancingRoundRobin, true, mocks("a", "b")...)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		seen = map[string]int{}
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := b.SelectProvider()
			mu.Lock()
			seen[name]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, seen["a"])
	assert.Equal(t, 50, seen["b"])
}

func TestSelectProvider_SingleProvider(t *testing.T) {
	for _, policy := range []string{config.LoadBalancingRoundRobin, config.LoadBalancingRandom, config.LoadBalancingDefault} {
		b := newBridge(policy, true, mocks("only")...)
		for i := 0; i < 3; i++ {
			assert.Equal(t, "only", b.SelectProvider(), policy)
		}
	}
}

func TestSelectProvider_ZeroProviders(t *testing.T) {
	b := newBridge(config.LoadBalancingRoundRobin, true)

	assert.Equal(t, "a", b.SelectProvider())

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})
	var unavailable *ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "a", unavailable.Provider)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestSelectProvider_Random(t *testing.T) {
	b := newBridge(config.LoadBalancingRandom, true, mocks("a", "b", "c")...)

	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		name := b.SelectProvider()
		assert.Contains(t, []string{"a", "b", "c"}, name)
		seen[name] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelectProvider_Default(t *testing.T) {
	t.Run("default registered", func(t *testing.T) {
		cfg := bridgeConfig(config.LoadBalancingDefault, true)
		cfg.DefaultProvider = "b"
		b := NewBridgeWithConnectors(cfg, mocks("a", "b", "c"), nil)

		assert.Equal(t, "b", b.SelectProvider())
		assert.Equal(t, "b", b.SelectProvider())
	})

	t.Run("default missing uses first", func(t *testing.T) {
		cfg := bridgeConfig(config.LoadBalancingDefault, true)
		cfg.DefaultProvider = "zzz"
		b := NewBridgeWithConnectors(cfg, mocks("a", "b"), nil)

		assert.Equal(t, "a", b.SelectProvider())
	})
}

func TestNewBridge_UnrecognizedPolicyBehavesAsDefault(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := bridgeConfig("weighted", true)
	cfg.DefaultProvider = "b"

	b := NewBridgeWithConnectors(cfg, mocks("a", "b", "c"), zap.New(core))

	assert.Equal(t, "b", b.SelectProvider())
	assert.Equal(t, "b", b.SelectProvider())
	assert.Equal(t, config.LoadBalancingDefault, b.GetStats().LoadBalancing)
	assert.Equal(t, 1, logs.FilterMessage("unrecognized load balancing policy, using default").Len())
}

type stubFactory struct {
	created []string
}

func (f *stubFactory) Create(settings config.ProviderSettings) (providers.Connector, error) {
	if settings.APIKey == "" {
		return nil, &providers.ConfigurationError{Provider: settings.Name, Field: "apiKey"}
	}
	f.created = append(f.created, settings.Name)
	return providerstest.NewMockConnector(settings.Name), nil
}

func TestNewBridge_SkipsFailedAndDisabledProviders(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := bridgeConfig(config.LoadBalancingRoundRobin, true)
	cfg.Providers = []config.ProviderSettings{
		{Name: "ollama", Enabled: true, APIKey: "x"},
		{Name: "openai", Enabled: true},
		{Name: "grok", Enabled: false, APIKey: "x"},
		{Name: "anthropic", Enabled: true, APIKey: "x"},
	}
	factory := &stubFactory{}

	b := NewBridge(cfg, factory, zap.New(core))

	assert.Equal(t, []string{"ollama", "anthropic"}, b.GetAvailableProviders())
	assert.Equal(t, []string{"ollama", "anthropic"}, factory.created)
	assert.Equal(t, 1, logs.FilterMessage("skipping provider").Len())
}

func TestNewBridge_AllProvidersFail(t *testing.T) {
	cfg := bridgeConfig(config.LoadBalancingDefault, true)
	cfg.Providers = []config.ProviderSettings{{Name: "openai", Enabled: true}}

	b := NewBridge(cfg, &stubFactory{}, nil)

	require.NotNil(t, b)
	assert.Empty(t, b.GetAvailableProviders())
	assert.Equal(t, 0, b.GetStats().Connectors)
}

func TestQuery_StampsProvider(t *testing.T) {
	b := newBridge(config.LoadBalancingDefault, true, mocks("a", "b")...)

	resp, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, "response from a", resp.Content)
	assert.False(t, resp.Fallback)
	assert.Empty(t, resp.OriginalProvider)
}

func TestQuery_ExplicitProvider(t *testing.T) {
	b := newBridge(config.LoadBalancingDefault, true, mocks("a", "b")...)

	resp, err := b.Query(context.Background(), &providers.QueryRequest{Provider: "b", Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
}

func TestQuery_ExplicitUnknownProvider(t *testing.T) {
	a := providerstest.NewMockConnector("a")
	b := newBridge(config.LoadBalancingDefault, true, a)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Provider: "nope", Prompt: "hi"})

	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Equal(t, 0, a.Calls(), "no fallback for unavailable providers")
}

func TestQuery_FallbackSuccess(t *testing.T) {
	a := providerstest.Failing("a", errors.New("a down"))
	bc := providerstest.NewMockConnector("b")
	c := providerstest.NewMockConnector("c")
	br := newBridge(config.LoadBalancingDefault, true, a, bc, c)

	resp, err := br.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
	assert.True(t, resp.Fallback)
	assert.Equal(t, "a", resp.OriginalProvider)
	assert.Equal(t, 0, c.Calls(), "chain stops at first success")

	stats := br.GetStats()
	assert.Equal(t, ProviderCounters{Requests: 1, Failures: 1}, stats.Requests["a"])
	assert.Equal(t, ProviderCounters{Requests: 1, Successes: 1, Fallbacks: 1}, stats.Requests["b"])
}

func TestQuery_FallbackFollowsRegistryOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	connectors := make([]providers.Connector, 0, 3)
	for _, name := range []string{"x", "y", "z"} {
		m := providerstest.NewMockConnector(name)
		name := name
		m.QueryFunc = func(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, errors.New(name + " failed")
		}
		connectors = append(connectors, m)
	}
	cfg := bridgeConfig(config.LoadBalancingDefault, true)
	cfg.DefaultProvider = "y"
	b := NewBridgeWithConnectors(cfg, connectors, nil)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	require.Error(t, err)
	assert.Equal(t, []string{"y", "x", "z"}, order)
}

func TestQuery_AllProvidersFail(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	errC := errors.New("c down")
	b := newBridge(config.LoadBalancingDefault, true,
		providerstest.Failing("a", errA),
		providerstest.Failing("b", errB),
		providerstest.Failing("c", errC),
	)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	var aggregate *AllProvidersFailedError
	require.True(t, errors.As(err, &aggregate))
	assert.True(t, errors.Is(err, ErrAllProvidersFailed))
	assert.NotEqual(t, errA, err)
	assert.Equal(t, "a", aggregate.Primary)
	assert.Equal(t, []string{"a", "b", "c"}, aggregate.Providers())
	assert.Equal(t, []error{errA, errB, errC}, aggregate.Unwrap())
	assert.True(t, errors.Is(err, errB), "individual failures stay reachable")
	assert.Contains(t, err.Error(), "c down")
}

func TestQuery_ExplicitProviderFailureNotFallenBack(t *testing.T) {
	errA := providers.NewProviderError("a", "rate_limit_error", "rate limited", 429, true, nil)
	other := providerstest.NewMockConnector("b")
	b := newBridge(config.LoadBalancingDefault, true, providerstest.Failing("a", errA), other)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Provider: "a", Prompt: "hi"})

	assert.Same(t, errA, err)
	assert.Equal(t, 0, other.Calls())
}

func TestQuery_FallbackDisabled(t *testing.T) {
	errA := errors.New("a down")
	other := providerstest.NewMockConnector("b")
	b := newBridge(config.LoadBalancingDefault, false, providerstest.Failing("a", errA), other)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	assert.Same(t, errA, err)
	assert.Equal(t, 0, other.Calls())
}

func TestQuery_SingleProviderFailureNotAggregated(t *testing.T) {
	errA := providers.NewProviderError("a", "rate_limit_error", "rate limited", 429, true, nil)
	b := newBridge(config.LoadBalancingDefault, true, providerstest.Failing("a", errA))

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	assert.Same(t, errA, err)
	assert.False(t, errors.Is(err, ErrAllProvidersFailed))
}

func TestQuery_CancelledContextStopsFallbackChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := providerstest.NewMockConnector("a")
	a.QueryFunc = func(context.Context, *providers.QueryRequest) (*providers.QueryResponse, error) {
		cancel()
		return nil, errors.New("a down")
	}
	bc := providerstest.NewMockConnector("b")
	c := providerstest.NewMockConnector("c")
	b := newBridge(config.LoadBalancingDefault, true, a, bc, c)

	_, err := b.Query(ctx, &providers.QueryRequest{Prompt: "hi"})

	assert.True(t, errors.Is(err, ErrAllProvidersFailed))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, bc.Calls())
	assert.Equal(t, 0, c.Calls())
}

func TestStreamQuery(t *testing.T) {
	a := providerstest.NewMockConnector("a")
	a.SetChunks("He", "llo")
	b := newBridge(config.LoadBalancingDefault, true, a)

	stream, err := b.StreamQuery(context.Background(), &providers.QueryRequest{Prompt: "hi", Stream: true})
	require.NoError(t, err)

	var chunks []*providers.QueryResponse
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.NoError(t, stream.Close())

	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Equal(t, "a", chunk.Provider)
	}
	assert.True(t, chunks[2].Done)
}

func TestStreamQuery_NoFallback(t *testing.T) {
	errA := errors.New("stream refused")
	other := providerstest.NewMockConnector("b")
	other.StreamFunc = func(context.Context, *providers.QueryRequest) (providers.Stream, error) {
		t.Error("fallback provider must not be used for streams")
		return nil, nil
	}
	b := newBridge(config.LoadBalancingDefault, true, providerstest.Failing("a", errA), other)

	_, err := b.StreamQuery(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	assert.Same(t, errA, err)
}

func TestStreamQuery_UnknownProvider(t *testing.T) {
	b := newBridge(config.LoadBalancingDefault, true, mocks("a")...)

	_, err := b.StreamQuery(context.Background(), &providers.QueryRequest{Provider: "zzz", Prompt: "hi"})

	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestTestAllConnections(t *testing.T) {
	a := providerstest.NewMockConnector("a")
	bc := providerstest.NewMockConnector("b")
	bc.SetConnected(false)
	c := providerstest.NewMockConnector("c")
	c.TestFunc = func(context.Context) bool { panic("boom") }
	b := newBridge(config.LoadBalancingDefault, true, a, bc, c)

	results := b.TestAllConnections(context.Background())

	require.Len(t, results, 3)
	assert.Equal(t, ConnectionStatus{Connected: true}, results["a"])
	assert.Nil(t, results["a"].Error)
	assert.False(t, results["b"].Connected)
	require.NotNil(t, results["b"].Error)
	assert.Equal(t, "connection test failed", *results["b"].Error)
	assert.False(t, results["c"].Connected)
	require.NotNil(t, results["c"].Error)
	assert.Contains(t, *results["c"].Error, "boom")
}

func TestTestAllConnections_Empty(t *testing.T) {
	b := newBridge(config.LoadBalancingDefault, true)

	assert.Empty(t, b.TestAllConnections(context.Background()))
}

func TestGetAllModels(t *testing.T) {
	a := providerstest.NewMockConnector("a")
	bc := providerstest.NewMockConnector("b")
	bc.ModelsFunc = func(context.Context) []providers.ModelDescriptor { return nil }
	c := providerstest.NewMockConnector("c")
	b := newBridge(config.LoadBalancingDefault, true, a, bc, c)

	models := b.GetAllModels(context.Background())

	require.Len(t, models, 3)
	assert.Len(t, models["a"], 2)
	assert.NotNil(t, models["b"])
	assert.Empty(t, models["b"])
	assert.Len(t, models["c"], 2)
	assert.Equal(t, "c", models["c"][0].Provider)
}

func TestGetStats(t *testing.T) {
	cfg := bridgeConfig(config.LoadBalancingRoundRobin, false)
	b := NewBridgeWithConnectors(cfg, mocks("a", "b"), nil)

	_, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)

	stats := b.GetStats()

	assert.Equal(t, 2, stats.Connectors)
	assert.Equal(t, []string{"a", "b"}, stats.Providers)
	assert.Equal(t, "a", stats.DefaultProvider)
	assert.Equal(t, config.LoadBalancingRoundRobin, stats.LoadBalancing)
	assert.False(t, stats.EnableFallback)
	assert.Equal(t, int64(1), stats.Requests["a"].Successes)
	assert.Equal(t, ProviderCounters{}, stats.Requests["b"])
}

func TestGetAvailableProviders_ReturnsCopy(t *testing.T) {
	b := newBridge(config.LoadBalancingDefault, true, mocks("a", "b")...)

	names := b.GetAvailableProviders()
	names[0] = "mutated"

	assert.Equal(t, []string{"a", "b"}, b.GetAvailableProviders())
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []*QueryRecord
	err     error
}

func (r *memoryRecorder) RecordQuery(ctx context.Context, rec *QueryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func TestQuery_Recorder(t *testing.T) {
	recorder := &memoryRecorder{}
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true),
		[]providers.Connector{providerstest.Failing("a", errors.New("a down")), providerstest.NewMockConnector("b")},
		nil, WithRecorder(recorder))

	_, err := b.Query(context.Background(), &providers.QueryRequest{
		Prompt:   "hi",
		Metadata: map[string]string{MetadataRequestID: "req-1"},
	})
	require.NoError(t, err)

	_, err = b.Query(context.Background(), &providers.QueryRequest{Provider: "a", Prompt: "hi"})
	require.Error(t, err)

	require.Len(t, recorder.records, 2)
	ok := recorder.records[0]
	assert.Equal(t, "req-1", ok.RequestID)
	assert.Equal(t, "b", ok.Provider)
	assert.True(t, ok.Fallback)
	assert.Equal(t, "a", ok.OriginalProvider)
	assert.Equal(t, "b-model-1", ok.Model)
	assert.Equal(t, 30, ok.Usage.TotalTokens)
	assert.Empty(t, ok.Error)

	failed := recorder.records[1]
	assert.Equal(t, "a", failed.Provider)
	assert.Equal(t, "a down", failed.Error)
}

func drain(t *testing.T, stream providers.Stream) error {
	t.Helper()
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func TestStreamQuery_RecordsOnCompletion(t *testing.T) {
	recorder := &memoryRecorder{}
	a := providerstest.NewMockConnector("a")
	a.SetChunks("He", "llo")
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true),
		[]providers.Connector{a}, nil, WithRecorder(recorder))

	stream, err := b.StreamQuery(context.Background(), &providers.QueryRequest{
		Prompt:   "hi",
		Metadata: map[string]string{MetadataRequestID: "req-stream"},
	})
	require.NoError(t, err)
	assert.Empty(t, recorder.records, "nothing is recorded while the stream is open")
	assert.Equal(t, ProviderCounters{}, b.GetStats().Requests["a"])

	require.NoError(t, drain(t, stream))
	require.NoError(t, stream.Close())

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "req-stream", rec.RequestID)
	assert.Equal(t, "a", rec.Provider)
	assert.Equal(t, "a-model-1", rec.Model)
	assert.Equal(t, 5, rec.Usage.TotalTokens)
	assert.Empty(t, rec.Error)
	assert.Equal(t, ProviderCounters{Requests: 1, Successes: 1}, b.GetStats().Requests["a"])
}

func TestStreamQuery_RecordsMidStreamFailure(t *testing.T) {
	recorder := &memoryRecorder{}
	a := providerstest.NewMockConnector("a")
	a.StreamFunc = func(context.Context, *providers.QueryRequest) (providers.Stream, error) {
		return &providerstest.SliceStream{Model: "m", Chunks: []string{"partial"}, Err: errors.New("connection reset")}, nil
	}
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true),
		[]providers.Connector{a}, nil, WithRecorder(recorder))

	stream, err := b.StreamQuery(context.Background(), &providers.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.EqualError(t, drain(t, stream), "connection reset")
	require.NoError(t, stream.Close())

	require.Len(t, recorder.records, 1, "close after an error does not record twice")
	assert.Equal(t, "connection reset", recorder.records[0].Error)
	assert.Equal(t, ProviderCounters{Requests: 1, Failures: 1}, b.GetStats().Requests["a"])
}

func TestStreamQuery_RecordsCancelledClose(t *testing.T) {
	recorder := &memoryRecorder{}
	a := providerstest.NewMockConnector("a")
	a.SetChunks("one", "two")
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true),
		[]providers.Connector{a}, nil, WithRecorder(recorder))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := b.StreamQuery(ctx, &providers.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)
	cancel()
	require.NoError(t, stream.Close())

	require.Len(t, recorder.records, 1)
	assert.Equal(t, context.Canceled.Error(), recorder.records[0].Error)
	assert.Equal(t, int64(1), b.GetStats().Requests["a"].Failures)
}

func TestStreamQuery_RecordsOpenFailure(t *testing.T) {
	recorder := &memoryRecorder{}
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true),
		[]providers.Connector{providerstest.Failing("a", errors.New("stream refused"))}, nil, WithRecorder(recorder))

	_, err := b.StreamQuery(context.Background(), &providers.QueryRequest{Prompt: "hi"})
	require.Error(t, err)

	_, err = b.StreamQuery(context.Background(), &providers.QueryRequest{Provider: "zzz", Prompt: "hi"})
	require.Error(t, err)

	require.Len(t, recorder.records, 2)
	assert.Equal(t, "stream refused", recorder.records[0].Error)
	assert.Equal(t, "zzz", recorder.records[1].Provider)
	assert.Equal(t, ProviderCounters{Requests: 1, Failures: 1}, b.GetStats().Requests["a"])
}

func TestQuery_RecorderFailureDoesNotAffectResult(t *testing.T) {
	recorder := &memoryRecorder{err: errors.New("db down")}
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBridgeWithConnectors(bridgeConfig(config.LoadBalancingDefault, true), mocks("a"), zap.New(core), WithRecorder(recorder))

	resp, err := b.Query(context.Background(), &providers.QueryRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, 1, logs.FilterMessage("failed to record query").Len())
}

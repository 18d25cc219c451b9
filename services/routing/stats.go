package routing

import "sync"

// ProviderCounters are per-provider request outcomes since start
type ProviderCounters struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Fallbacks int64 `json:"fallbacks"`
}

// Stats describes the bridge configuration and traffic
type Stats struct {
	Connectors      int                         `json:"connectors"`
	Providers       []string                    `json:"providers"`
	DefaultProvider string                      `json:"defaultProvider"`
	LoadBalancing   string                      `json:"loadBalancing"`
	EnableFallback  bool                        `json:"enableFallback"`
	Requests        map[string]ProviderCounters `json:"requests"`
}

type counterSet struct {
	mu       sync.Mutex
	counters map[string]*ProviderCounters
}

func newCounterSet(names []string) *counterSet {
	c := &counterSet{counters: make(map[string]*ProviderCounters, len(names))}
	for _, name := range names {
		c.counters[name] = &ProviderCounters{}
	}
	return c
}

func (c *counterSet) record(provider string, err error, fallback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.counters[provider]
	if !ok {
		return
	}
	pc.Requests++
	if err != nil {
		pc.Failures++
		return
	}
	pc.Successes++
	if fallback {
		pc.Fallbacks++
	}
}

func (c *counterSet) snapshot() map[string]ProviderCounters {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ProviderCounters, len(c.counters))
	for name, pc := range c.counters {
		out[name] = *pc
	}
	return out
}

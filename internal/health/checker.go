// Package health aggregates named dependency probes for the readiness
// endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citeledger/citeledger/internal/ledger"
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Config holds health check configuration.
type Config struct {
	ProbeTimeout time.Duration
}

// Result is one aggregated health report. Probes maps probe name to "ok"
// or the failure text.
type Result struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes"`
}

// StatusOK and StatusDegraded are the two aggregate states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Checker runs registered probes on demand, each under its own timeout.
type Checker struct {
	mu     sync.Mutex
	names  []string
	probes map[string]Probe
	cfg    Config
	logger *zap.Logger
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		probes: make(map[string]Probe),
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds a named probe. Re-registering a name replaces its probe.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.probes[name]; !exists {
		c.names = append(c.names, name)
	}
	c.probes[name] = p
}

// Check runs all probes concurrently and aggregates their outcomes. The
// aggregate is degraded as soon as any probe fails.
func (c *Checker) Check(ctx context.Context) Result {
	c.mu.Lock()
	names := make([]string, len(c.names))
	copy(names, c.names)
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.Unlock()

	res := Result{Status: StatusOK, Probes: make(map[string]string, len(names))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := probe(probeCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status = StatusDegraded
				res.Probes[name] = err.Error()
				c.logger.Warn("health: probe failed",
					zap.String("probe", name),
					zap.Error(err))
				return
			}
			res.Probes[name] = StatusOK
		}(name, probes[name])
	}

	wg.Wait()
	return res
}

// Healthy reports whether every probe passes.
func (c *Checker) Healthy(ctx context.Context) bool {
	return c.Check(ctx).Status == StatusOK
}

// LedgerProbe probes a ledger node with its cheapest read.
func LedgerProbe(client ledger.Client) Probe {
	return func(ctx context.Context) error {
		_, err := client.Operations(ctx)
		return err
	}
}

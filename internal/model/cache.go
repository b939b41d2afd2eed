package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/samber/do"
)

const (
	DefaultName      = "black-forest-labs/FLUX.1-dev"
	DefaultPrecision = "float16"

	acceleratorDevice = "cuda"
)

// ResourceError means the handle could not be built: weights unavailable or
// no device with enough memory. The cache stays empty so a later call retries.
type ResourceError struct {
	Model string
	Err   error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Model, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Cache owns the single pipeline handle for the process.
type Cache struct {
	backend   pipeline.Backend
	name      string
	precision string
	metrics   *metrics.Metrics

	mu     sync.Mutex
	handle atomic.Pointer[pipeline.Handle]
}

func NewCache(backend pipeline.Backend, name, precision string, m *metrics.Metrics) *Cache {
	if name == "" {
		name = DefaultName
	}
	if precision == "" {
		precision = DefaultPrecision
	}
	return &Cache{backend: backend, name: name, precision: precision, metrics: m}
}

func NewInjectedCache(i *do.Injector) (*Cache, error) {
	return NewCache(
		do.MustInvoke[pipeline.Backend](i),
		do.MustInvokeNamed[string](i, "model_name"),
		do.MustInvokeNamed[string](i, "model_precision"),
		do.MustInvoke[*metrics.Metrics](i),
	), nil
}

func (c *Cache) Name() string { return c.name }

// Loaded reports whether the handle has been built.
func (c *Cache) Loaded() bool {
	return c.handle.Load() != nil
}

// Handle returns the cached handle, building it on first use. Callers racing
// on first use wait for the one construction in flight.
func (c *Cache) Handle(ctx context.Context) (*pipeline.Handle, error) {
	if h := c.handle.Load(); h != nil {
		return h, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h := c.handle.Load(); h != nil {
		return h, nil
	}

	logger := log.FromContextOrDiscard(ctx).WithGroup("model").With("name", c.name, "precision", c.precision)
	logger.Info("constructing model handle")

	start := time.Now()
	h, err := c.construct(ctx)
	elapsed := time.Since(start)
	c.metrics.ObserveModelLoad(elapsed, err)
	if err != nil {
		logger.Error("model handle construction failed", "error", err, "elapsed", elapsed)
		return nil, &ResourceError{Model: c.name, Err: err}
	}

	logger.Info("model handle ready", "device", h.Device, "offload", h.Offload, "elapsed", elapsed)
	c.handle.Store(h)
	return h, nil
}

func (c *Cache) construct(ctx context.Context) (*pipeline.Handle, error) {
	h, err := c.backend.Load(ctx, c.name, c.precision)
	if err != nil {
		return nil, err
	}

	accel, err := c.backend.AcceleratorAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe devices: %w", err)
	}
	if !accel {
		if err := c.backend.EnableCPUOffload(ctx, h); err != nil {
			return nil, fmt.Errorf("enable cpu offload: %w", err)
		}
		return h, nil
	}

	if err := c.backend.ToDevice(ctx, h, acceleratorDevice); err != nil {
		return nil, fmt.Errorf("move to %s: %w", acceleratorDevice, err)
	}
	if err := c.backend.EnableMemoryEfficientAttention(ctx, h); err != nil {
		return nil, fmt.Errorf("enable memory efficient attention: %w", err)
	}
	return h, nil
}

package model

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dmorgan81/fluxstudio/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	pipeline.SyntheticBackend

	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *recordingBackend) Load(ctx context.Context, model, precision string) (*pipeline.Handle, error) {
	b.record("load " + model + " " + precision)
	return b.SyntheticBackend.Load(ctx, model, precision)
}

func (b *recordingBackend) ToDevice(ctx context.Context, h *pipeline.Handle, device string) error {
	b.record("device " + device)
	return b.SyntheticBackend.ToDevice(ctx, h, device)
}

func (b *recordingBackend) EnableMemoryEfficientAttention(ctx context.Context, h *pipeline.Handle) error {
	b.record("attention")
	return b.SyntheticBackend.EnableMemoryEfficientAttention(ctx, h)
}

func (b *recordingBackend) EnableCPUOffload(ctx context.Context, h *pipeline.Handle) error {
	b.record("offload")
	return b.SyntheticBackend.EnableCPUOffload(ctx, h)
}

func TestHandleIsConstructedOnce(t *testing.T) {
	b := &recordingBackend{}
	c := NewCache(b, "", "", nil)
	ctx := context.Background()
	assert.False(t, c.Loaded())

	first, err := c.Handle(ctx)
	require.NoError(t, err)
	assert.True(t, c.Loaded())

	for i := 0; i < 5; i++ {
		h, err := c.Handle(ctx)
		require.NoError(t, err)
		assert.Same(t, first, h)
	}
	assert.EqualValues(t, 1, b.Loads())
	assert.Equal(t, []string{"load " + DefaultName + " " + DefaultPrecision, "offload"}, b.calls)
}

func TestHandleUsesAcceleratorWhenPresent(t *testing.T) {
	b := &recordingBackend{}
	b.Accelerator = true
	c := NewCache(b, "some/model", "bfloat16", nil)

	h, err := c.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cuda", h.Device)
	assert.Equal(t, "xformers", h.Attention)
	assert.False(t, h.Offload)
	assert.Equal(t, []string{"load some/model bfloat16", "device cuda", "attention"}, b.calls)
}

func TestHandleCPUOffloadWithoutAccelerator(t *testing.T) {
	b := &recordingBackend{}
	h, err := NewCache(b, "", "", nil).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cpu", h.Device)
	assert.True(t, h.Offload)
	assert.Empty(t, h.Attention)
}

func TestHandleFailureIsRetryable(t *testing.T) {
	cause := errors.New("401 gated repository")
	b := &recordingBackend{}
	b.LoadErr = cause
	c := NewCache(b, "", "", nil)

	_, err := c.Handle(context.Background())
	require.Error(t, err)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DefaultName, rerr.Model)
	assert.ErrorIs(t, err, cause)
	assert.False(t, c.Loaded())

	b.LoadErr = nil
	h, err := c.Handle(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.EqualValues(t, 2, b.Loads())
}

func TestHandleConcurrentFirstUse(t *testing.T) {
	b := &recordingBackend{}
	c := NewCache(b, "", "", nil)

	const n = 16
	handles := make([]*pipeline.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Handle(context.Background())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, b.Loads())
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
}

package prompt

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

var ErrNoPrompts = errors.New("no prompts configured")

type Randomizer struct {
	prompts []string

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomizer(prompts []string, seed int64) *Randomizer {
	prompts = lo.Filter(lo.Map(prompts, func(p string, _ int) string {
		return strings.TrimSpace(p)
	}), func(p string, _ int) bool {
		return p != ""
	})
	return &Randomizer{prompts: prompts, rnd: rand.New(rand.NewSource(seed))}
}

func NewInjectedRandomizer(i *do.Injector) (*Randomizer, error) {
	prompts := do.MustInvokeNamed[[]string](i, "prompts")
	return NewRandomizer(prompts, time.Now().UTC().Unix()), nil
}

func (r *Randomizer) Randomize(ctx context.Context) (string, error) {
	logger := log.FromContextOrDiscard(ctx).WithGroup("randomizer")
	if len(r.prompts) == 0 {
		return "", ErrNoPrompts
	}

	r.mu.Lock()
	idx := r.rnd.Intn(len(r.prompts))
	r.mu.Unlock()

	logger.Info("picked random prompt", "index", idx)
	return r.prompts[idx], nil
}

// Available reports whether Randomize can return a prompt.
func (r *Randomizer) Available() bool { return r != nil && len(r.prompts) > 0 }

package tier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/warp/bsk-engine/ledger"
)

// Resolution is the registry's answer for one user. Found=false means no
// source knows a badge: UnlockLevels is 0 and nothing is payable.
type Resolution struct {
	Found  bool
	Badge  Badge
	Source string
}

type RegistryConfig struct {
	Resolvers []Resolver // in precedence order
	Clock     clockwork.Clock
	TTL       time.Duration // 0 disables caching
}

// Registry resolves badges through an ordered resolver list. Results are
// cached for TTL; staleness can at worst skip or pay a level with an old
// tier, never pay twice, because ledger keys decide what is applied.
type Registry struct {
	resolvers []Resolver
	clock     clockwork.Clock
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[ledger.UserID]cachedResolution
}

type cachedResolution struct {
	res     Resolution
	expires time.Time
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if len(cfg.Resolvers) == 0 {
		return nil, ErrNoResolvers
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		resolvers: cfg.Resolvers,
		clock:     cfg.Clock,
		ttl:       cfg.TTL,
		cache:     make(map[ledger.UserID]cachedResolution),
	}, nil
}

// Resolve returns the first badge any resolver yields.
func (r *Registry) Resolve(ctx context.Context, user ledger.UserID) (Resolution, error) {
	if res, ok := r.cached(user); ok {
		return res, nil
	}

	res := Resolution{}
	for _, resolver := range r.resolvers {
		badge, found, err := resolver.Resolve(ctx, user)
		if err != nil {
			return Resolution{}, fmt.Errorf("badge source %s: %w", resolver.Name(), err)
		}
		if found {
			res = Resolution{Found: true, Badge: badge, Source: resolver.Name()}
			break
		}
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[user] = cachedResolution{res: res, expires: r.clock.Now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return res, nil
}

// Invalidate drops the cached resolution of user (badge changed).
func (r *Registry) Invalidate(user ledger.UserID) {
	r.mu.Lock()
	delete(r.cache, user)
	r.mu.Unlock()
}

// Sources lists resolver names in precedence order.
func (r *Registry) Sources() []string {
	out := make([]string, len(r.resolvers))
	for i, res := range r.resolvers {
		out[i] = res.Name()
	}
	return out
}

func (r *Registry) cached(user ledger.UserID) (Resolution, bool) {
	if r.ttl <= 0 {
		return Resolution{}, false
	}
	r.mu.RLock()
	c, ok := r.cache[user]
	r.mu.RUnlock()
	if !ok || !r.clock.Now().Before(c.expires) {
		return Resolution{}, false
	}
	return c.res, true
}

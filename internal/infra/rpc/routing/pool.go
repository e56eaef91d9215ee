package routing

import (
	"sort"
	"sync"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
)

// Member pairs an endpoint with its breaker and configured priority
// (lower is preferred).
type Member struct {
	Endpoint *provider.Endpoint
	Breaker  *Breaker
	Priority int
}

// Pool holds the ranked endpoint set per chain. Health state is mutated
// under the pool's lock; selection reads concurrently.
type Pool struct {
	mu      sync.RWMutex
	members map[domain.ChainID][]*Member
	breaker BreakerConfig
}

// NewPool creates an empty pool using the given breaker config for every
// added endpoint.
func NewPool(breaker BreakerConfig) *Pool {
	return &Pool{
		members: make(map[domain.ChainID][]*Member),
		breaker: breaker,
	}
}

// Add registers an endpoint for a chain. Members are kept sorted by
// priority.
func (p *Pool) Add(chain domain.ChainID, ep *provider.Endpoint, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.members[chain] = append(p.members[chain], &Member{
		Endpoint: ep,
		Breaker:  NewBreaker(p.breaker),
		Priority: priority,
	})
	sort.SliceStable(p.members[chain], func(i, j int) bool {
		return p.members[chain][i].Priority < p.members[chain][j].Priority
	})
}

// Ranked returns the chain's members in priority order, healthy breakers
// first so calls route to the next-highest-priority healthy endpoint.
func (p *Pool) Ranked(chain domain.ChainID) []*Member {
	p.mu.RLock()
	members := p.members[chain]
	p.mu.RUnlock()

	healthy := make([]*Member, 0, len(members))
	unhealthy := make([]*Member, 0)
	for _, m := range members {
		if m.Breaker.Open() {
			unhealthy = append(unhealthy, m)
		} else {
			healthy = append(healthy, m)
		}
	}
	return append(healthy, unhealthy...)
}

// Chains returns every chain the pool has endpoints for.
func (p *Pool) Chains() []domain.ChainID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ChainID, 0, len(p.members))
	for c := range p.members {
		out = append(out, c)
	}
	return out
}

// Health returns endpoint name to health snapshot for a chain.
func (p *Pool) Health(chain domain.ChainID) map[string]provider.HealthStatus {
	p.mu.RLock()
	members := p.members[chain]
	p.mu.RUnlock()

	out := make(map[string]provider.HealthStatus, len(members))
	for _, m := range members {
		h := m.Endpoint.Health()
		h.Available = !m.Breaker.Open()
		out[m.Endpoint.Name()] = h
	}
	return out
}

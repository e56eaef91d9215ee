package routing

import (
	"testing"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
)

const testChain = domain.ChainID("999")

func newPoolWith(names ...string) *Pool {
	p := NewPool(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	for i, name := range names {
		p.Add(testChain, provider.NewEndpoint(name, "http://"+name, time.Second), i)
	}
	return p
}

func TestRankedOrdersByPriority(t *testing.T) {
	p := newPoolWith("primary", "secondary", "tertiary")

	members := p.Ranked(testChain)
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, want := range []string{"primary", "secondary", "tertiary"} {
		if got := members[i].Endpoint.Name(); got != want {
			t.Errorf("rank %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestRankedDemotesOpenBreakers(t *testing.T) {
	p := newPoolWith("primary", "secondary")

	p.Ranked(testChain)[0].Breaker.RecordFailure()

	members := p.Ranked(testChain)
	if got := members[0].Endpoint.Name(); got != "secondary" {
		t.Errorf("expected secondary ranked first while primary is open, got %s", got)
	}
	if got := members[1].Endpoint.Name(); got != "primary" {
		t.Errorf("expected open primary ranked last, got %s", got)
	}
}

func TestHealthReflectsBreakerState(t *testing.T) {
	p := newPoolWith("primary", "secondary")

	p.Ranked(testChain)[0].Breaker.RecordFailure()

	health := p.Health(testChain)
	if health["primary"].Available {
		t.Error("primary should report unavailable while its breaker is open")
	}
	if !health["secondary"].Available {
		t.Error("secondary should report available")
	}
}

func TestChainsListsRegistered(t *testing.T) {
	p := NewPool(BreakerConfig{})
	p.Add(domain.ChainID("1"), provider.NewEndpoint("a", "http://a", time.Second), 0)
	p.Add(domain.ChainID("137"), provider.NewEndpoint("b", "http://b", time.Second), 0)

	chains := p.Chains()
	if len(chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(chains))
	}
	seen := map[domain.ChainID]bool{}
	for _, c := range chains {
		seen[c] = true
	}
	if !seen[domain.ChainID("1")] || !seen[domain.ChainID("137")] {
		t.Errorf("missing chain in %v", chains)
	}
}

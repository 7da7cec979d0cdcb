package ratelimit

import "testing"

func TestRegistryDisabledReturnsNil(t *testing.T) {
	r := NewRegistry(0, 100)
	if lim := r.Get("peer-a"); lim != nil {
		t.Fatalf("expected nil limiter when rate is disabled, got %v", lim)
	}
}

func TestRegistryReusesLimiterPerKey(t *testing.T) {
	r := NewRegistry(1000, 500)
	a1 := r.Get("peer-a")
	a2 := r.Get("peer-a")
	b := r.Get("peer-b")

	if a1 != a2 {
		t.Fatalf("expected the same limiter instance for repeated gets of the same key")
	}
	if a1 == b {
		t.Fatalf("expected distinct limiters for distinct keys")
	}
}

func TestRegistryForgetDropsLimiter(t *testing.T) {
	r := NewRegistry(1000, 500)
	first := r.Get("peer-a")
	r.Forget("peer-a")
	second := r.Get("peer-a")

	if first == second {
		t.Fatalf("expected a fresh limiter after Forget")
	}
}

package market

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_CaseInsensitiveReuse(t *testing.T) {
	r := NewRegistry(nil, fastConfig(), discardLogger())

	a := r.Get("aapl")
	b := r.Get("AAPL")
	c := r.Get("  Aapl ")
	if a != b || b != c {
		t.Fatal("expected identical client instance for aapl/AAPL")
	}
	if a.Symbol() != "AAPL" {
		t.Errorf("Symbol() = %q, want AAPL", a.Symbol())
	}
	if r.Len() != 1 || r.Constructed() != 1 {
		t.Errorf("Len = %d, Constructed = %d, want 1/1", r.Len(), r.Constructed())
	}
}

func TestRegistry_ConcurrentConstructOnce(t *testing.T) {
	r := NewRegistry(nil, fastConfig(), discardLogger())
	tickers := []string{"tsla", "F", "TSLA", "f", "msft"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, tk := range tickers {
			wg.Add(1)
			go func(tk string) {
				defer wg.Done()
				r.Get(tk)
			}(tk)
		}
	}
	wg.Wait()

	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	if r.Constructed() != 3 {
		t.Errorf("Constructed = %d, want 3", r.Constructed())
	}
	want := []string{"F", "MSFT", "TSLA"}
	if got := r.Tickers(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Tickers = %v, want %v", got, want)
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry(nil, fastConfig(), discardLogger())
	first := r.Get("AAPL")

	if !r.Evict("aapl") {
		t.Fatal("Evict(aapl) = false, want true")
	}
	if r.Evict("AAPL") {
		t.Error("second Evict should report false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if r.Get("AAPL") == first {
		t.Error("expected a fresh client after eviction")
	}
	if r.Constructed() != 2 {
		t.Errorf("Constructed = %d, want 2", r.Constructed())
	}
}

package rotation

import (
	"fmt"
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/store"
	"sync"
	"testing"
	"time"
)

func newStore(t *testing.T, raws ...string) *store.Store {
	t.Helper()
	s := store.New()
	for _, raw := range raws {
		spec, err := model.Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) returned an error: %v", raw, err)
		}
		s.Add(spec, "test")
	}
	return s
}

func TestNext_ExampleOrder(t *testing.T) {
	r := New(newStore(t, "http://1.2.3.4:8080", "socks5://5.6.7.8:1080"))

	want := []string{"http://1.2.3.4:8080", "socks5://5.6.7.8:1080", "http://1.2.3.4:8080"}
	for i, id := range want {
		rec, ok := r.Next(true)
		if !ok {
			t.Fatalf("Call %d: expected a proxy", i)
		}
		if rec.ID() != id {
			t.Errorf("Call %d: expected %s, got %s", i, id, rec.ID())
		}
	}
}

func TestNext_CoversEveryLiveProxy(t *testing.T) {
	var raws []string
	for i := 0; i < 7; i++ {
		raws = append(raws, fmt.Sprintf("10.0.0.%d:80", i+1))
	}
	r := New(newStore(t, raws...))

	seen := make(map[string]int)
	for i := 0; i < len(raws); i++ {
		rec, ok := r.Next(true)
		if !ok {
			t.Fatal("Expected a proxy")
		}
		seen[rec.ID()]++
	}
	if len(seen) != len(raws) {
		t.Errorf("Expected %d distinct proxies in one cycle, got %d", len(raws), len(seen))
	}
}

func TestNext_SkipsDead(t *testing.T) {
	s := newStore(t, "1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80")
	s.ApplyOutcome("http://2.2.2.2:80", false, 0, time.Now(), 1)
	r := New(s)

	for i := 0; i < 6; i++ {
		rec, ok := r.Next(true)
		if !ok {
			t.Fatal("Expected a proxy")
		}
		if rec.IsDead {
			t.Errorf("Call %d returned a dead proxy %s", i, rec.ID())
		}
	}

	r.Reset()
	r.Next(false)
	if rec, _ := r.Next(false); rec.ID() != "http://2.2.2.2:80" {
		t.Errorf("Expected dead proxy to be returned when not skipping, got %s", rec.ID())
	}
}

func TestNext_Exhausted(t *testing.T) {
	r := New(store.New())
	if _, ok := r.Next(true); ok {
		t.Error("Expected empty pool to be exhausted")
	}

	s := newStore(t, "1.1.1.1:80")
	s.ApplyOutcome("http://1.1.1.1:80", false, 0, time.Now(), 1)
	r = New(s)
	if _, ok := r.Next(true); ok {
		t.Error("Expected all-dead pool to be exhausted")
	}
	if _, ok := r.Random(true); ok {
		t.Error("Expected Random on all-dead pool to be exhausted")
	}
	if _, ok := r.Next(false); !ok {
		t.Error("Expected dead proxy to be returned when not skipping")
	}
}

func TestNext_ConcurrentCallersGetDistinctProxies(t *testing.T) {
	const n = 50
	var raws []string
	for i := 0; i < n; i++ {
		raws = append(raws, fmt.Sprintf("10.0.%d.%d:80", i/200, i%200+1))
	}
	r := New(newStore(t, raws...))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok := r.Next(true)
			if !ok {
				t.Error("Expected a proxy")
				return
			}
			mu.Lock()
			seen[rec.ID()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, c := range seen {
		if c != 1 {
			t.Errorf("Proxy %s returned %d times within one cycle", id, c)
		}
	}
	if len(seen) != n {
		t.Errorf("Expected %d distinct proxies, got %d", n, len(seen))
	}
}

func TestNext_PoolShrinksUnderCursor(t *testing.T) {
	s := newStore(t, "1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80")
	r := New(s)
	r.Next(true)
	r.Next(true)
	r.Next(true) // cursor now 3
	s.Remove("http://3.3.3.3:80")
	s.Remove("http://2.2.2.2:80")

	rec, ok := r.Next(true)
	if !ok || rec.ID() != "http://1.1.1.1:80" {
		t.Errorf("Expected wrap to the remaining proxy, got %s ok=%v", rec.ID(), ok)
	}
}

func TestRandom_OnlyLive(t *testing.T) {
	s := newStore(t, "1.1.1.1:80", "2.2.2.2:80")
	s.ApplyOutcome("http://1.1.1.1:80", false, 0, time.Now(), 1)
	r := New(s)
	for i := 0; i < 20; i++ {
		rec, ok := r.Random(true)
		if !ok || rec.ID() != "http://2.2.2.2:80" {
			t.Fatalf("Expected only the live proxy, got %s ok=%v", rec.ID(), ok)
		}
	}
}

func TestNext_SingleLiveProxyFromEveryCursor(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for live := 0; live < n; live++ {
			var raws []string
			for i := 0; i < n; i++ {
				raws = append(raws, fmt.Sprintf("10.0.0.%d:80", i+1))
			}
			s := newStore(t, raws...)
			for i := 0; i < n; i++ {
				if i != live {
					s.ApplyOutcome(fmt.Sprintf("http://10.0.0.%d:80", i+1), false, 0, time.Now(), 1)
				}
			}
			want := fmt.Sprintf("http://10.0.0.%d:80", live+1)

			for start := 0; start < n; start++ {
				r := New(s)
				r.cursor = start
				rec, ok := r.Next(true)
				if !ok || rec.ID() != want {
					t.Errorf("n=%d live=%d start=%d: expected %s, got %s (ok=%v)", n, live, start, want, rec.ID(), ok)
				}
			}

			// skipDead=false 时一圈覆盖全部记录，包括死亡的
			r := New(s)
			seen := make(map[string]bool)
			for i := 0; i < n; i++ {
				rec, ok := r.Next(false)
				if !ok {
					t.Fatalf("n=%d: expected a proxy with skipDead=false", n)
				}
				seen[rec.ID()] = true
			}
			if len(seen) != n {
				t.Errorf("n=%d live=%d: expected %d distinct proxies, got %d", n, live, n, len(seen))
			}
		}
	}
}

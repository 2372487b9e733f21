package store

import (
	"errors"
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/storage"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) model.ProxySpec {
	t.Helper()
	spec, err := model.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) returned an error: %v", raw, err)
	}
	return spec
}

// memStorage is an in-memory storage.Storage for tests.
type memStorage struct {
	lines    []string
	appended []string
	err      error
}

func (m *memStorage) Load() ([]string, error) { return m.lines, m.err }
func (m *memStorage) Append(lines []string) (int, error) {
	m.appended = append(m.appended, lines...)
	return len(lines), m.err
}

func TestStore_AddDedupIgnoresCredentials(t *testing.T) {
	s := New()
	if !s.Add(mustParse(t, "http://1.2.3.4:8080"), "test") {
		t.Fatal("Expected first Add to succeed")
	}
	if s.Add(mustParse(t, "http://1.2.3.4:8080:user:pass"), "test") {
		t.Error("Expected Add of the same identity to return false")
	}
	if s.Len() != 1 {
		t.Errorf("Expected store size 1, got %d", s.Len())
	}
	if !s.Add(mustParse(t, "socks5://1.2.3.4:8080"), "test") {
		t.Error("Expected a different scheme to be a different proxy")
	}
}

func TestStore_LoadExampleScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := "# comment lines ignored\nhttp://1.2.3.4:8080\nhttp://1.2.3.4:8080:u:p\nnot-a-proxy\nsocks5://5.6.7.8:1080\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := New()
	n, err := s.Load(storage.NewFileStorage(path))
	if err != nil {
		t.Fatalf("Load() returned an error: %v", err)
	}
	if n != 2 || s.Len() != 2 {
		t.Fatalf("Expected 2 records, got n=%d len=%d", n, s.Len())
	}
	all := s.All()
	if all[0].ID() != "http://1.2.3.4:8080" || all[1].ID() != "socks5://5.6.7.8:1080" {
		t.Errorf("Unexpected order: %s, %s", all[0].ID(), all[1].ID())
	}
}

func TestStore_LoadPropagatesStorageErrors(t *testing.T) {
	s := New()
	_, err := s.Load(&memStorage{err: model.ErrStorageIO})
	if !errors.Is(err, model.ErrStorageIO) {
		t.Errorf("Expected ErrStorageIO, got %v", err)
	}
}

func TestStore_PersistWritesNormalizedLines(t *testing.T) {
	s := New()
	s.Add(mustParse(t, "SOCKS5://User:Pw@Host.Example:1080"), "test")
	dst := &memStorage{}
	if _, err := s.Persist(dst); err != nil {
		t.Fatalf("Persist() returned an error: %v", err)
	}
	if len(dst.appended) != 1 || dst.appended[0] != "socks5://host.example:1080:User:Pw" {
		t.Errorf("Unexpected persisted lines: %v", dst.appended)
	}
}

func TestStore_ApplyOutcomeDeadThreshold(t *testing.T) {
	s := New()
	spec := mustParse(t, "http://1.2.3.4:8080")
	s.Add(spec, "test")
	id := spec.ID()
	now := time.Now()

	for i := 1; i <= 2; i++ {
		r, _ := s.ApplyOutcome(id, false, 0, now, 3)
		if r.IsDead {
			t.Fatalf("Record marked dead after %d failures", i)
		}
		if r.ConsecutiveFailures != uint(i) {
			t.Errorf("Expected %d failures, got %d", i, r.ConsecutiveFailures)
		}
	}
	r, _ := s.ApplyOutcome(id, false, 0, now, 3)
	if !r.IsDead {
		t.Fatal("Expected record to be dead after 3 failures")
	}
	if s.LiveCount() != 0 {
		t.Errorf("Expected live count 0, got %d", s.LiveCount())
	}

	r, _ = s.ApplyOutcome(id, true, 80*time.Millisecond, now, 3)
	if r.IsDead || r.ConsecutiveFailures != 0 {
		t.Errorf("Expected success to revive the record, got %+v", r)
	}
	if ms, ok := r.LatencyMs(); !ok || ms != 80 {
		t.Errorf("Expected latency 80ms, got %d (known=%v)", ms, ok)
	}

	if _, ok := s.ApplyOutcome("http://9.9.9.9:1", true, 0, now, 3); ok {
		t.Error("Expected ApplyOutcome on unknown id to return false")
	}
}

func TestStore_ResetDead(t *testing.T) {
	s := New()
	for _, raw := range []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"} {
		spec := mustParse(t, raw)
		s.Add(spec, "test")
		s.ApplyOutcome(spec.ID(), false, 0, time.Now(), 1)
	}
	if s.LiveCount() != 0 {
		t.Fatalf("Expected all dead, live=%d", s.LiveCount())
	}
	if n := s.ResetDead(); n != 3 {
		t.Errorf("Expected 3 revived, got %d", n)
	}
	if s.LiveCount() != 3 {
		t.Errorf("Expected all live after reset, live=%d", s.LiveCount())
	}
}

func TestStore_RemoveKeepsOrder(t *testing.T) {
	s := New()
	for _, raw := range []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"} {
		s.Add(mustParse(t, raw), "test")
	}
	if !s.Remove("http://2.2.2.2:80") {
		t.Fatal("Expected Remove to succeed")
	}
	all := s.All()
	if len(all) != 2 || all[1].ID() != "http://3.3.3.3:80" {
		t.Errorf("Unexpected records after remove: %v", all)
	}
	if _, ok := s.Get("http://3.3.3.3:80"); !ok {
		t.Error("Expected index to be rebuilt after remove")
	}
}

func TestStore_PickWrapsAndSkipsDead(t *testing.T) {
	s := New()
	for _, raw := range []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"} {
		s.Add(mustParse(t, raw), "test")
	}
	s.ApplyOutcome("http://3.3.3.3:80", false, 0, time.Now(), 1)

	i, r, ok := s.Pick(2, true)
	if !ok || i != 0 || r.ID() != "http://1.1.1.1:80" {
		t.Errorf("Expected wrap to index 0, got i=%d id=%s ok=%v", i, r.ID(), ok)
	}
	i, _, ok = s.Pick(2, false)
	if !ok || i != 2 {
		t.Errorf("Expected dead record when not skipping, got i=%d ok=%v", i, ok)
	}
}

func TestStore_ReadsAreSnapshots(t *testing.T) {
	s := New()
	s.Add(mustParse(t, "1.1.1.1:80"), "test")
	all := s.All()
	all[0].IsDead = true
	if s.LiveCount() != 1 {
		t.Error("Mutating a snapshot must not change the store")
	}
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				spec := model.ProxySpec{Scheme: model.SchemeHTTP, Host: "10.0.0." + strings.Repeat("1", 1+i%3), Port: uint16(1000 + i)}
				s.Add(spec, "test")
			}
		}()
	}
	wg.Wait()
	if s.Len() != 100 {
		t.Errorf("Expected 100 unique records, got %d", s.Len())
	}
}

func TestStore_StalestOrdersByLastChecked(t *testing.T) {
	s := New()
	base := time.Now()
	for i, raw := range []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"} {
		spec := mustParse(t, raw)
		s.Add(spec, "test")
		s.ApplyOutcome(spec.ID(), true, 0, base.Add(time.Duration(3-i)*time.Minute), 3)
	}
	got := s.Stalest(2)
	if len(got) != 2 || got[0].ID() != "http://3.3.3.3:80" || got[1].ID() != "http://2.2.2.2:80" {
		t.Errorf("Unexpected stalest order: %v", got)
	}
}

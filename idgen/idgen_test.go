package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_VersionAndOrder(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()

	u, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("parse %q: %v", a, err)
	}
	if u.Version() != 7 {
		t.Fatalf("version: got %d, want 7", u.Version())
	}
	if a == b {
		t.Fatal("duplicate IDs")
	}
	if a > b {
		t.Errorf("IDs not time ordered: %s > %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("scan_", Default)()
	if !strings.HasPrefix(id, "scan_") || !Valid(strings.TrimPrefix(id, "scan_")) {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("s")
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 || !seen["s1"] || !seen["s50"] {
		t.Fatalf("Sequence: got %d distinct IDs", len(seen))
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("Valid accepted garbage")
	}
	if !Valid(New()) {
		t.Error("Valid rejected New()")
	}
}

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// counter is a detector whose version the test controls.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context) (int64, error) { return c.v.Load(), nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func run(w *Watcher, action func() error) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.OnChange(ctx, action)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestOnChange_FiresOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c counter
	var fired atomic.Int64
	w := New(c.detect, Options{Interval: 5 * time.Millisecond})
	stop := run(w, func() error { fired.Add(1); return nil })
	defer stop()

	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("fired without a change")
	}
	c.v.Store(1)
	waitFor(t, func() bool { return fired.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("fired %d times for one change", fired.Load())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c counter
	var fired atomic.Int64
	w := New(c.detect, Options{Interval: 2 * time.Millisecond, Debounce: 50 * time.Millisecond})
	stop := run(w, func() error { fired.Add(1); return nil })
	defer stop()

	for i := 1; i <= 5; i++ {
		c.v.Store(int64(i))
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return fired.Load() >= 1 })
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("burst fired %d times, want 1", fired.Load())
	}
}

func TestOnChange_RetriesFailedAction(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c counter
	var calls atomic.Int64
	w := New(c.detect, Options{Interval: 2 * time.Millisecond})
	stop := run(w, func() error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	defer stop()

	c.v.Store(7)
	waitFor(t, func() bool { return w.Stats().Reloads == 1 })
	st := w.Stats()
	if st.Errors < 2 || calls.Load() < 3 {
		t.Errorf("stats: %+v calls=%d", st, calls.Load())
	}
}

func TestFileModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satlens.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	detect := FileModTime(path)
	v1, err := detect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.WriteFile(path, []byte("a: 22\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Chtimes(path, later, later)
	v2, err := detect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v2 {
		t.Error("rewrite not detected")
	}
	if _, err := FileModTime(filepath.Join(t.TempDir(), "missing"))(context.Background()); err == nil {
		t.Error("expected an error for a missing file")
	}
}

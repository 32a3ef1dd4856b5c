package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type counter struct {
	n    int
	keep bool
}

func TestCallSerializesState(t *testing.T) {
	r := New(Options[string, counter]{New: func(string) *counter { return &counter{} }})
	defer r.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Call(ctx, "a", func(c *counter) { c.n++ }); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var got int
	r.Call(ctx, "a", func(c *counter) { got = c.n })
	if got != 50 {
		t.Fatalf("counter = %d, want 50", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestIdleActorRetires(t *testing.T) {
	var exits atomic.Int32
	r := New(Options[string, counter]{
		New:         func(string) *counter { return &counter{} },
		IdleTimeout: 20 * time.Millisecond,
		OnExit:      func(string, *counter) { exits.Add(1) },
	})
	defer r.Close()
	ctx := context.Background()

	r.Call(ctx, "a", func(c *counter) { c.n = 7 })
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("actor did not retire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if exits.Load() != 1 {
		t.Fatalf("OnExit ran %d times", exits.Load())
	}

	// A new actor starts from fresh state.
	var got int
	r.Call(ctx, "a", func(c *counter) { got = c.n })
	if got != 0 {
		t.Fatalf("state survived retirement: %d", got)
	}
}

func TestKeepHoldsActor(t *testing.T) {
	r := New(Options[string, counter]{
		New:         func(string) *counter { return &counter{keep: true} },
		IdleTimeout: 10 * time.Millisecond,
		Keep:        func(c *counter) bool { return c.keep },
	})
	defer r.Close()
	ctx := context.Background()

	r.Call(ctx, "a", func(*counter) {})
	time.Sleep(50 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatal("kept actor retired")
	}
	r.Call(ctx, "a", func(c *counter) { c.keep = false })
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("released actor did not retire")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTick(t *testing.T) {
	ticks := make(chan string, 10)
	r := New(Options[string, counter]{
		New:  func(string) *counter { return &counter{} },
		Tick: 5 * time.Millisecond,
		OnTick: func(key string, c *counter) {
			select {
			case ticks <- key:
			default:
			}
		},
	})
	defer r.Close()

	r.Do(context.Background(), "space", func(*counter) {})
	select {
	case key := <-ticks:
		if key != "space" {
			t.Fatalf("tick for %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
}

func TestClose(t *testing.T) {
	r := New(Options[string, counter]{New: func(string) *counter { return &counter{} }})
	ctx := context.Background()
	r.Call(ctx, "a", func(*counter) {})
	r.Call(ctx, "b", func(*counter) {})
	r.Close()

	if r.Len() != 0 {
		t.Fatalf("Len = %d after Close", r.Len())
	}
	if err := r.Do(ctx, "a", func(*counter) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Do after Close err = %v", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	r := New(Options[string, counter]{New: func(string) *counter { return &counter{} }})
	defer r.Close()

	block := make(chan struct{})
	r.Do(context.Background(), "a", func(*counter) { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Call(ctx, "a", func(*counter) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

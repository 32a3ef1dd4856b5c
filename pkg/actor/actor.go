// Package actor runs one goroutine per key that owns a piece of state. All
// access to the state goes through the goroutine's command channel, so the
// state itself needs no locking.
//
// Actors are spawned on first use and exit after a period without commands,
// unless Keep says otherwise.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Do and Call after Close.
var ErrClosed = errors.New("actor registry closed")

// DefaultIdleTimeout is how long an actor waits for commands before exiting.
const DefaultIdleTimeout = 5 * time.Minute

// Options configures a Registry.
type Options[K comparable, S any] struct {
	// New creates the state of a freshly spawned actor.
	New func(key K) *S
	// IdleTimeout is the quiet period after which an actor exits.
	IdleTimeout time.Duration
	// Keep, if set, keeps an idle actor alive while it returns true.
	Keep func(state *S) bool
	// Tick, if positive, runs OnTick at that interval inside the actor.
	Tick   time.Duration
	OnTick func(key K, state *S)
	// OnExit runs inside the actor right before it exits.
	OnExit func(key K, state *S)
}

type actor[K comparable, S any] struct {
	key   K
	state *S
	cmds  chan func(*S)
	done  chan struct{}
}

// Registry owns the actors of one kind.
type Registry[K comparable, S any] struct {
	opts   Options[K, S]
	mu     sync.Mutex
	actors map[K]*actor[K, S]
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New[K comparable, S any](opts Options[K, S]) *Registry[K, S] {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry[K, S]{
		opts:   opts,
		actors: make(map[K]*actor[K, S]),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Registry[K, S]) get(key K) (*actor[K, S], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.actors[key]; ok {
		return a, nil
	}
	a := &actor[K, S]{
		key:   key,
		state: r.opts.New(key),
		cmds:  make(chan func(*S)),
		done:  make(chan struct{}),
	}
	r.actors[key] = a
	r.wg.Add(1)
	go r.run(a)
	return a, nil
}

// Do hands fn to the actor of key and returns once the actor accepted it.
func (r *Registry[K, S]) Do(ctx context.Context, key K, fn func(*S)) error {
	for {
		a, err := r.get(key)
		if err != nil {
			return err
		}
		select {
		case a.cmds <- fn:
			return nil
		case <-a.done:
			// The actor retired between lookup and send; spawn a new one.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call runs fn in the actor of key and waits for it to finish.
func (r *Registry[K, S]) Call(ctx context.Context, key K, fn func(*S)) error {
	finished := make(chan struct{})
	err := r.Do(ctx, key, func(s *S) {
		defer close(finished)
		fn(s)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry[K, S]) run(a *actor[K, S]) {
	defer r.wg.Done()
	defer func() {
		if r.opts.OnExit != nil {
			r.opts.OnExit(a.key, a.state)
		}
	}()

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	var tick <-chan time.Time
	if r.opts.Tick > 0 && r.opts.OnTick != nil {
		t := time.NewTicker(r.opts.Tick)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case fn := <-a.cmds:
			fn(a.state)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.IdleTimeout)
		case <-tick:
			r.opts.OnTick(a.key, a.state)
		case <-idle.C:
			if r.retire(a) {
				return
			}
			idle.Reset(r.opts.IdleTimeout)
		case <-r.ctx.Done():
			r.mu.Lock()
			delete(r.actors, a.key)
			close(a.done)
			r.mu.Unlock()
			return
		}
	}
}

// retire removes a from the registry unless Keep holds it back.
func (r *Registry[K, S]) retire(a *actor[K, S]) bool {
	if r.opts.Keep != nil && r.opts.Keep(a.state) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, a.key)
	close(a.done)
	return true
}

// Len returns the number of running actors.
func (r *Registry[K, S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every actor and waits for them to exit.
func (r *Registry[K, S]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

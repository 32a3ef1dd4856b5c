package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/eventid"
)

func encoded(mailbox uuid.UUID) *event.Encoded {
	return &event.Encoded{Mailbox: mailbox, ID: eventid.New(), Kind: event.KindNewMessage, Data: []byte(`{}`)}
}

func recv(t *testing.T, sub *Subscription) (*event.Encoded, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestSendWithoutChannelIsDropped(t *testing.T) {
	h := NewHub(4)
	if h.Send(uuid.New(), encoded(uuid.New())) {
		t.Fatalf("send to a mailbox without subscribers must report false")
	}
	if h.Size() != 0 {
		t.Fatalf("send must not create channels")
	}
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	h := NewHub(16)
	mailbox := uuid.New()
	a := h.Subscribe(mailbox)
	defer a.Close()
	b := h.Subscribe(mailbox)
	defer b.Close()

	var sent []*event.Encoded
	for i := 0; i < 5; i++ {
		e := encoded(mailbox)
		sent = append(sent, e)
		if !h.Send(mailbox, e) {
			t.Fatalf("send %d reported no channel", i)
		}
	}

	for _, sub := range []*Subscription{a, b} {
		for i, want := range sent {
			got, err := recv(t, sub)
			if err != nil {
				t.Fatalf("recv %d: %v", i, err)
			}
			if got != want {
				t.Fatalf("event %d out of order", i)
			}
		}
	}
}

func TestSubscriptionStartsAtTail(t *testing.T) {
	h := NewHub(8)
	mailbox := uuid.New()
	early := h.Subscribe(mailbox)
	defer early.Close()
	h.Send(mailbox, encoded(mailbox))

	late := h.Subscribe(mailbox)
	defer late.Close()
	second := encoded(mailbox)
	h.Send(mailbox, second)

	got, err := recv(t, late)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got != second {
		t.Fatalf("late subscriber must only see events sent after it subscribed")
	}
}

func TestLaggedSubscriber(t *testing.T) {
	h := NewHub(4)
	mailbox := uuid.New()
	sub := h.Subscribe(mailbox)
	defer sub.Close()

	var sent []*event.Encoded
	for i := 0; i < 10; i++ {
		e := encoded(mailbox)
		sent = append(sent, e)
		h.Send(mailbox, e)
	}

	_, err := recv(t, sub)
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected LaggedError, got %v", err)
	}
	if lagged.Skipped != 6 {
		t.Fatalf("expected 6 skipped events, got %d", lagged.Skipped)
	}

	for i := 6; i < 10; i++ {
		got, err := recv(t, sub)
		if err != nil {
			t.Fatalf("recv after lag: %v", err)
		}
		if got != sent[i] {
			t.Fatalf("expected event %d after lag", i)
		}
	}
}

func TestRecvHonoursContext(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe(uuid.New())
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRecvWakesOnSend(t *testing.T) {
	h := NewHub(4)
	mailbox := uuid.New()
	sub := h.Subscribe(mailbox)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *event.Encoded
	var err error
	go func() {
		defer wg.Done()
		got, err = recv(t, sub)
	}()

	time.Sleep(10 * time.Millisecond)
	want := encoded(mailbox)
	h.Send(mailbox, want)
	wg.Wait()
	if err != nil || got != want {
		t.Fatalf("blocked receiver not woken: %v", err)
	}
}

func TestSweepRemovesIdleChannels(t *testing.T) {
	h := NewHub(4)
	busy := uuid.New()
	idle := uuid.New()

	keep := h.Subscribe(busy)
	defer keep.Close()
	gone := h.Subscribe(idle)
	gone.Close()
	gone.Close()

	if h.Subscribers(idle) != 0 {
		t.Fatalf("double Close must release once, got %d subscribers", h.Subscribers(idle))
	}
	if removed := h.Sweep(); removed != 1 {
		t.Fatalf("expected 1 channel removed, got %d", removed)
	}
	if h.Size() != 1 || h.Subscribers(busy) != 1 {
		t.Fatalf("busy channel must survive the sweep")
	}
}

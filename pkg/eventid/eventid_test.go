package eventid

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestSequenceStartsAtMidpoint(t *testing.T) {
	g := NewGenerator(3)
	id := g.Next()
	if id.Seq != seqStart {
		t.Fatalf("expected first seq %d, got %d", seqStart, id.Seq)
	}
	if id.Node != 3 {
		t.Fatalf("expected node 3, got %d", id.Node)
	}
}

func TestStrictlyIncreasingSequential(t *testing.T) {
	g := NewGenerator(0)
	prev := g.Next()
	for i := 0; i < 200000; i++ {
		next := g.Next()
		if !prev.Less(next) {
			t.Fatalf("id %d not increasing: %v then %v", i, prev, next)
		}
		prev = next
	}
}

func TestWrapBumpsTimestamp(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	g := NewGenerator(0)
	g.now = func() time.Time { return fixed }
	g.state.Store(pack(fixed.UnixMilli(), 0xfffe))

	a := g.Next()
	if a.Seq != 0xffff || a.Timestamp != fixed.UnixMilli() {
		t.Fatalf("unexpected id before wrap: %+v", a)
	}
	b := g.Next()
	if b.Seq != 0 {
		t.Fatalf("expected wrapped seq 0, got %d", b.Seq)
	}
	if b.Timestamp != fixed.UnixMilli()+1 {
		t.Fatalf("expected timestamp bumped by 1ms, got %d", b.Timestamp)
	}
	if !a.Less(b) {
		t.Fatalf("wrap broke ordering: %v then %v", a, b)
	}
	c := g.Next()
	if !b.Less(c) || c.Timestamp != b.Timestamp {
		t.Fatalf("clock behind last issued must reuse last timestamp: %v then %v", b, c)
	}
}

func TestClockGoingBackwards(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	g := NewGenerator(0)
	g.now = func() time.Time { return now }
	a := g.Next()
	now = now.Add(-time.Second)
	b := g.Next()
	if !a.Less(b) {
		t.Fatalf("ids must keep increasing when the clock goes backwards: %v then %v", a, b)
	}
}

func TestConcurrentUnique(t *testing.T) {
	g := NewGenerator(0)
	// Force a wrap in the middle of the run.
	g.state.Store(pack(time.Now().UnixMilli(), 0xff00))

	const workers = 8
	const perWorker = 20000
	results := make([][]ID, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]ID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, g.Next())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	var all []ID
	for w, ids := range results {
		for i := 1; i < len(ids); i++ {
			if !ids[i-1].Less(ids[i]) {
				t.Fatalf("worker %d saw non-increasing ids: %v then %v", w, ids[i-1], ids[i])
			}
		}
		all = append(all, ids...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Less(all[j]) })
	for i := 1; i < len(all); i++ {
		if all[i-1].Compare(all[i]) == 0 {
			t.Fatalf("duplicate id %v", all[i])
		}
	}
}

func TestAfterCursor(t *testing.T) {
	seq := uint16(5)
	tests := []struct {
		name string
		id   ID
		ts   int64
		seq  *uint16
		want bool
	}{
		{"older timestamp", ID{Timestamp: 9, Seq: 100}, 10, &seq, false},
		{"newer timestamp", ID{Timestamp: 11, Seq: 0}, 10, &seq, true},
		{"equal timestamp lower seq", ID{Timestamp: 10, Seq: 5}, 10, &seq, false},
		{"equal timestamp higher seq", ID{Timestamp: 10, Seq: 6}, 10, &seq, true},
		{"equal timestamp no seq cursor", ID{Timestamp: 10, Seq: 0}, 10, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.After(tt.ts, tt.seq); got != tt.want {
				t.Fatalf("After() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPackageLevelNew(t *testing.T) {
	a := New()
	SetNode(7)
	b := New()
	if !a.Less(b) {
		t.Fatalf("ids must stay ordered across SetNode: %v then %v", a, b)
	}
	if b.Node != 7 {
		t.Fatalf("expected node 7, got %d", b.Node)
	}
	SetNode(0)
}

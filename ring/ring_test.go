package ring

import (
	"sync"
	"testing"
)

func TestGetPutRoundTrip(t *testing.T) {
	r, err := New(2, 4096, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	b, err := r.Get(100)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(b.Bytes()) != 100 {
		t.Fatalf("unexpected payload length %d", len(b.Bytes()))
	}
	for i := range b.Bytes() {
		b.Bytes()[i] = byte(i)
	}
	if r.Usage() == 0 {
		t.Fatalf("usage should be nonzero after allocation")
	}

	r.Put(b)
	if u := r.Usage(); u != 0 {
		t.Fatalf("usage %d after freeing the only block", u)
	}
	hc, h, tc, tl, w := r.State()
	if hc != tc || h != tl || w != 0 {
		t.Fatalf("head (%d,%d) != tail (%d,%d) or wraparound %d != 0", hc, h, tc, tl, w)
	}
}

func TestWrapWithTerminatorAndOutOfOrderFree(t *testing.T) {
	r, err := New(2, 4096, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := r.Get(3000)
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	b, err := r.Get(1500) // forces a terminator and a chunk advance
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	c, err := r.Get(800)
	if err != nil {
		t.Fatalf("Get c: %v", err)
	}

	r.Put(b)
	r.Put(a)
	r.Put(c)

	hc, h, tc, tl, w := r.State()
	if hc != tc || h != tl {
		t.Fatalf("head (%d,%d) != tail (%d,%d) after freeing everything", hc, h, tc, tl)
	}
	if w != 0 {
		t.Fatalf("wraparound %d after freeing everything", w)
	}
	if u := r.Usage(); u != 0 {
		t.Fatalf("usage %d after freeing everything", u)
	}
}

func TestFullReportsAndRecovers(t *testing.T) {
	r, err := New(2, 512, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var blocks []*Block
	for {
		b, err := r.Get(200)
		if err == ErrFull {
			break
		}
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		blocks = append(blocks, b)
	}
	if len(blocks) < 3 {
		t.Fatalf("expected several blocks before full, got %d", len(blocks))
	}
	if r.Usage() > r.Capacity() {
		t.Fatalf("usage %d exceeds capacity %d", r.Usage(), r.Capacity())
	}

	// Freeing the oldest block opens space again.
	r.Put(blocks[0])
	if _, err := r.Get(200); err != nil {
		t.Fatalf("Get after reclaim failed: %v", err)
	}
}

func TestUsageNeverExceedsCapacity(t *testing.T) {
	r, err := New(4, 1024, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var mu sync.Mutex
	var live []*Block
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b, err := r.Get(64 + i%128)
				if err != nil {
					mu.Lock()
					if len(live) > 0 {
						r.Put(live[0])
						live = live[1:]
					}
					mu.Unlock()
					continue
				}
				mu.Lock()
				live = append(live, b)
				if len(live) > 4 {
					r.Put(live[0])
					live = live[1:]
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if r.Peak() > r.Capacity() {
		t.Fatalf("peak usage %d exceeds capacity %d", r.Peak(), r.Capacity())
	}

	mu.Lock()
	for _, b := range live {
		r.Put(b)
	}
	mu.Unlock()
	if u := r.Usage(); u != 0 {
		t.Fatalf("usage %d after freeing everything", u)
	}
}

func TestRejectsOversizedBlocks(t *testing.T) {
	r, err := New(2, 512, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := r.Get(512); err == nil {
		t.Fatalf("expected failure for block exceeding chunk capacity")
	}
	if _, err := r.Get(0); err == nil {
		t.Fatalf("expected failure for zero-size block")
	}
}

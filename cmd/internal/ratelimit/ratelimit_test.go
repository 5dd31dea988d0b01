package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestWindow_AllowsUpToLimitThenBlocks(t *testing.T) {
	t.Parallel()

	w := NewWindow(3, time.Second)
	base := time.Unix(1000, 0)

	for i := range 3 {
		if !w.Allow(base.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("event %d blocked", i)
		}
	}
	if w.Allow(base.Add(10 * time.Millisecond)) {
		t.Fatalf("4th event allowed want=blocked")
	}
	if !w.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window blocked")
	}
}

func TestWindow_Defaults(t *testing.T) {
	t.Parallel()

	w := NewWindow(0, 0)
	if w.limit != defaultEvents || w.window != defaultWindow {
		t.Fatalf("limit=%d window=%v", w.limit, w.window)
	}
}

func TestKeyed_IsolatesKeys(t *testing.T) {
	t.Parallel()

	now := time.Unix(2000, 0)
	k := NewKeyed(1, time.Minute)
	k.now = func() time.Time { return now }

	if err := k.Allow("a"); err != nil {
		t.Fatalf("a err=%v", err)
	}
	if err := k.Allow("a"); !errors.Is(err, ErrLimited) {
		t.Fatalf("a err=%v want=%v", err, ErrLimited)
	}
	if err := k.Allow("b"); err != nil {
		t.Fatalf("b err=%v", err)
	}

	k.Forget("a")
	if err := k.Allow("a"); err != nil {
		t.Fatalf("a after forget err=%v", err)
	}
}

func TestKeyed_Prune(t *testing.T) {
	t.Parallel()

	now := time.Unix(3000, 0)
	k := NewKeyed(5, time.Second)
	k.now = func() time.Time { return now }

	_ = k.Allow("a")
	_ = k.Allow("b")

	if n := k.Prune(); n != 0 {
		t.Fatalf("pruned=%d want=0", n)
	}
	now = now.Add(2 * time.Second)
	if n := k.Prune(); n != 2 {
		t.Fatalf("pruned=%d want=2", n)
	}
}

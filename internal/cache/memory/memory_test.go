package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func TestBus_PublishMatchesPatterns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()
	exact, _ := b.Subscribe(ctx, domain.ChannelOutcomes)
	all, _ := b.Subscribe(ctx, "*")

	_ = b.Publish(ctx, domain.ChannelOutcomes, []byte("o1"))
	_ = b.Publish(ctx, domain.ChannelPrices, []byte("p1"))

	if got := string(<-exact); got != "o1" {
		t.Errorf("exact subscriber got %q", got)
	}
	if got := string(<-all) + string(<-all); got != "o1p1" {
		t.Errorf("pattern subscriber got %q", got)
	}
	select {
	case m := <-exact:
		t.Errorf("exact subscriber got unexpected %q", m)
	default:
	}

	cancel()
	if _, ok := <-exact; ok {
		t.Error("channel still open after cancel")
	}
}

func TestBus_Stream(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"a", "b", "c"} {
		_ = b.StreamAppend(ctx, domain.StreamLedger, []byte(p))
	}
	first, _ := b.StreamRead(ctx, domain.StreamLedger, "0", 2)
	if len(first) != 2 || string(first[1].Payload) != "b" {
		t.Fatalf("first page = %+v", first)
	}
	rest, _ := b.StreamRead(ctx, domain.StreamLedger, first[1].ID, 10)
	if len(rest) != 1 || string(rest[0].Payload) != "c" {
		t.Errorf("rest = %+v", rest)
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	release, lost, err := lm.Hold(ctx, "signer", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := lm.Acquire(ctx, "signer", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("acquire while held: err = %v, want ErrLockHeld", err)
	}
	select {
	case <-lost:
		t.Error("lost closed while renewing")
	default:
	}
	release()

	unlock, err := lm.Acquire(ctx, "signer", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	unlock()
	unlock()
}

func TestLockManager_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()
	if _, err := lm.Acquire(ctx, "k", 5*time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := lm.Acquire(ctx, "k", time.Second); err != nil {
		t.Errorf("expired lease not reclaimed: %v", err)
	}
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()
	c := NewSnapshotCache()
	if _, err := c.Get(ctx, "p"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get on empty: err = %v", err)
	}
	_ = c.Put(ctx, []domain.PriceSnapshot{{Pool: "p", Price: 1}})
	_ = c.Put(ctx, []domain.PriceSnapshot{{Pool: "p", Price: 2}})
	if s, _ := c.Get(ctx, "p"); s.Price != 2 {
		t.Errorf("price = %v, want replaced snapshot", s.Price)
	}
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow(ctx, "ip", 2, time.Minute); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	if ok, _ := rl.Allow(ctx, "ip", 2, time.Minute); ok {
		t.Error("third request admitted")
	}
	if ok, _ := rl.Allow(ctx, "other", 2, time.Minute); !ok {
		t.Error("keys must be independent")
	}

	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_ = rl.Wait(wctx, "w")
	if err := rl.Wait(wctx, "w"); err == nil {
		t.Error("second Wait inside one second should time out")
	}
}

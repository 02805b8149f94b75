// Package memory provides in-process implementations of the signal bus,
// lock manager, snapshot cache and rate limiter for single-process runs
// without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.SignalBus     = (*Bus)(nil)
	_ domain.LockManager   = (*LockManager)(nil)
	_ domain.SnapshotCache = (*SnapshotCache)(nil)
	_ domain.RateLimiter   = (*RateLimiter)(nil)
)

const (
	subscriberBuffer = 128
	streamMaxLen     = 10000
)

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Bus implements domain.SignalBus in process. Publish never blocks: a
// subscriber whose buffer is full misses the message.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	nextSub int
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[int]subscriber),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that closes when ctx is done. channel may be
// a glob pattern.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, dropping the oldest entries past
// the cap.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: payload,
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count messages after lastID. "0" or "" reads
// from the start.
func (b *Bus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		seq, _ := streamSeq(m.ID)
		if seq <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseUint(id, 10, 64)
}

// LockManager implements domain.LockManager for one process. TTLs still
// apply so a leaked lock expires.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	token uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease)}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := lm.acquire(key, ttl)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { lm.release(key, token) }) }, nil
}

// Hold takes key and extends it every ttl/3 until release or ctx is done.
func (lm *LockManager) Hold(ctx context.Context, key string, ttl time.Duration) (func(), <-chan struct{}, error) {
	token, err := lm.acquire(key, ttl)
	if err != nil {
		return nil, nil, err
	}
	lost := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if !lm.renew(key, token, ttl) {
					close(lost)
					return
				}
			}
		}
	}()
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			lm.release(key, token)
		})
	}
	return release, lost, nil
}

func (lm *LockManager) acquire(key string, ttl time.Duration) (uint64, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.held[key]; ok && time.Now().Before(l.expires) {
		return 0, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	lm.token++
	lm.held[key] = lease{token: lm.token, expires: time.Now().Add(ttl)}
	return lm.token, nil
}

func (lm *LockManager) renew(key string, token uint64, ttl time.Duration) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.held[key]
	if !ok || l.token != token {
		return false
	}
	l.expires = time.Now().Add(ttl)
	lm.held[key] = l
	return true
}

func (lm *LockManager) release(key string, token uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.held[key]; ok && l.token == token {
		delete(lm.held, key)
	}
}

// SnapshotCache implements domain.SnapshotCache in a map.
type SnapshotCache struct {
	mu    sync.RWMutex
	snaps map[string]domain.PriceSnapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snaps: make(map[string]domain.PriceSnapshot)}
}

// Put replaces the cached snapshot of every pool in snaps.
func (c *SnapshotCache) Put(_ context.Context, snaps []domain.PriceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		c.snaps[s.Pool] = s
	}
	return nil
}

// Get returns the cached snapshot for pool or domain.ErrNotFound.
func (c *SnapshotCache) Get(_ context.Context, pool string) (domain.PriceSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snaps[pool]
	if !ok {
		return domain.PriceSnapshot{}, fmt.Errorf("memory: snapshot %s: %w", pool, domain.ErrNotFound)
	}
	return s, nil
}

// RateLimiter implements domain.RateLimiter with per-key sliding windows.
type RateLimiter struct {
	mu         sync.Mutex
	hits       map[string][]time.Time
	waitLimit  int
	waitWindow time.Duration
}

// NewRateLimiter creates a limiter. Wait admits waitLimit requests per
// waitWindow; a non-positive waitLimit means one per second.
func NewRateLimiter(waitLimit int, waitWindow time.Duration) *RateLimiter {
	if waitLimit <= 0 || waitWindow <= 0 {
		waitLimit, waitWindow = 1, time.Second
	}
	return &RateLimiter{hits: make(map[string][]time.Time), waitLimit: waitLimit, waitWindow: waitWindow}
}

// Allow reports whether key has fewer than limit hits in the trailing
// window, and records the hit if so.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	hits := rl.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		rl.hits[key] = hits
		return false, nil
	}
	rl.hits[key] = append(hits, now)
	return true, nil
}

// Wait blocks until key is admitted under the wait budget or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		if ok, _ := rl.Allow(ctx, key, rl.waitLimit, rl.waitWindow); ok {
			return nil
		}
		timer := time.NewTimer(rl.waitWindow / time.Duration(rl.waitLimit*4+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("memory: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package counterstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.gearno.de/gateway/log"
)

type (
	// MemoryOption configures a MemoryStore during construction.
	MemoryOption func(s *MemoryStore)

	// MemoryStore is an in-process Store backed by a sync.Map, with a
	// background goroutine that reaps expired entries so memory does
	// not grow unbounded under a constant stream of distinct keys.
	MemoryStore struct {
		counters sync.Map // string -> *memoryRecord

		logger       *log.Logger
		reapInterval time.Duration
		reapOnce     sync.Once
	}

	memoryRecord struct {
		value    atomic.Int64
		expireAt atomic.Int64 // UnixNano
	}
)

// WithMemoryLogger sets the logger used by the reaper loop.
func WithMemoryLogger(l *log.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = l.Named("counterstore.memory")
	}
}

// WithReapInterval overrides the default 30s interval between reaper
// sweeps over the key set.
func WithReapInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.reapInterval = d
	}
}

// NewMemoryStore creates an in-process counter store. Call
// StartReaper to begin evicting expired entries in the background;
// the store is fully functional (Get/Set/Increment self-expire on
// read) without it, the reaper only bounds idle memory growth.
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		logger:       log.NewLogger(),
		reapInterval: 30 * time.Second,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	v, ok := s.counters.Load(key)
	if !ok {
		return 0, false, nil
	}

	rec := v.(*memoryRecord)
	if isExpired(rec.expireAt.Load()) {
		s.counters.CompareAndDelete(key, rec)
		return 0, false, nil
	}

	return rec.value.Load(), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	rec := &memoryRecord{}
	rec.value.Store(value)
	rec.expireAt.Store(time.Now().Add(ttl).UnixNano())
	s.counters.Store(key, rec)
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	for {
		existing, loaded := s.counters.Load(key)
		if !loaded {
			rec := &memoryRecord{}
			rec.value.Store(1)
			rec.expireAt.Store(now.Add(ttl).UnixNano())

			if actual, loaded := s.counters.LoadOrStore(key, rec); loaded {
				existing = actual
			} else {
				return 1, nil
			}
		}

		rec := existing.(*memoryRecord)
		if isExpired(rec.expireAt.Load()) {
			// The record raced past its TTL; replace it atomically
			// with a fresh one rather than mutating in place so a
			// concurrent reader never observes value=N with a stale
			// (already-expired) expireAt.
			fresh := &memoryRecord{}
			fresh.value.Store(1)
			fresh.expireAt.Store(now.Add(ttl).UnixNano())

			if !s.counters.CompareAndDelete(key, rec) {
				continue // someone else already replaced it, retry
			}
			if actual, loaded := s.counters.LoadOrStore(key, fresh); loaded {
				existing = actual
				rec = existing.(*memoryRecord)
			} else {
				return 1, nil
			}
		}

		// TTL is preserved: only the value is bumped.
		return rec.value.Add(1), nil
	}
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.counters.Range(func(key, _ any) bool {
		s.counters.Delete(key)
		return true
	})
	return nil
}

func (s *MemoryStore) IsHealthy(_ context.Context) bool {
	return true
}

// StartReaper starts the background sweep that deletes expired
// entries. It is idempotent; only the first call starts the
// goroutine. The goroutine exits when ctx is cancelled.
func (s *MemoryStore) StartReaper(ctx context.Context) {
	s.reapOnce.Do(func() {
		go s.runReaper(ctx)
	})
}

func (s *MemoryStore) runReaper(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting counter store reaper",
		log.Duration("interval", s.reapInterval),
	)

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping counter store reaper")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	var reaped int

	s.counters.Range(func(key, value any) bool {
		rec := value.(*memoryRecord)
		if isExpired(rec.expireAt.Load()) {
			if s.counters.CompareAndDelete(key, rec) {
				reaped++
			}
		}
		return true
	})

	if reaped > 0 {
		s.logger.DebugCtx(context.Background(), "counter store reaper swept expired keys",
			log.Int("reaped", reaped),
		)
	}
}

func isExpired(expireAtUnixNano int64) bool {
	return time.Now().UnixNano() >= expireAtUnixNano
}

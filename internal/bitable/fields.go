package bitable

import (
	"context"
	"sync"
	"time"
)

const (
	fieldMetaTTL          = 10 * time.Minute
	fieldMetaExpiryMargin = 30 * time.Second
)

// FieldsFetchFunc loads the current field schema from the external store.
type FieldsFetchFunc func(ctx context.Context) (map[string]FieldMeta, error)

type fieldsFetchCall struct {
	done  chan struct{}
	value map[string]FieldMeta
	err   error
}

// FieldMetaCache caches the external table's field schema with in-flight
// request de-duplication: concurrent callers observing a cold or expired
// cache share a single underlying fetch. The in-flight marker is cleared when
// the fetch settles, success or failure; on success the whole value map is
// replaced atomically.
type FieldMetaCache struct {
	fetch  FieldsFetchFunc
	ttl    time.Duration
	margin time.Duration
	now    func() time.Time

	mu        sync.Mutex
	value     map[string]FieldMeta
	expiresAt time.Time
	inflight  *fieldsFetchCall
}

func NewFieldMetaCache(fetch FieldsFetchFunc) *FieldMetaCache {
	return &FieldMetaCache{
		fetch:  fetch,
		ttl:    fieldMetaTTL,
		margin: fieldMetaExpiryMargin,
		now:    time.Now,
	}
}

// FieldsByName returns the cached field schema keyed by field name, fetching
// it when cold or within the expiry margin. Callers must not mutate the
// returned map.
func (c *FieldMetaCache) FieldsByName(ctx context.Context) (map[string]FieldMeta, error) {
	c.mu.Lock()
	if c.value != nil && c.now().Before(c.expiresAt.Add(-c.margin)) {
		value := c.value
		c.mu.Unlock()
		return value, nil
	}
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.done:
			return call.value, call.err
		}
	}
	call := &fieldsFetchCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	value, err := c.fetch(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.value = value
		c.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Unlock()

	call.value = value
	call.err = err
	close(call.done)
	return value, err
}

// Package cache is the optimistic query cache. Entries hold the last known
// server value under a semantic key; Mutate applies a provisional value,
// runs the request and restores the snapshot if the request fails.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/model"
	"github.com/agentworkforce/spotsync/internal/storage"
)

var Error = errs.Class("cache")

type Entry struct {
	Value     json.RawMessage `json:"value"`
	Stale     bool            `json:"stale"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type ChangeKind string

const (
	ChangeSet         ChangeKind = "set"
	ChangeOptimistic  ChangeKind = "optimistic"
	ChangeRollback    ChangeKind = "rollback"
	ChangeInvalidated ChangeKind = "invalidated"
	ChangeRemoved     ChangeKind = "removed"
)

type Change struct {
	Key  model.Key
	Kind ChangeKind
}

// UpdateFunc computes the provisional value from the current one. A nil
// value leaves the entry untouched.
type UpdateFunc func(current json.RawMessage, exists bool) (json.RawMessage, error)

// RequestFunc performs the server call and returns its data.
type RequestFunc func(ctx context.Context) (json.RawMessage, error)

// ReconcileFunc folds the server answer into the provisional value.
type ReconcileFunc func(current, server json.RawMessage) (json.RawMessage, error)

type MutateOptions struct {
	// Invalidate lists keys marked stale after a successful request. Each
	// key also covers the keys beneath it.
	Invalidate []model.Key
	Reconcile  ReconcileFunc
}

type Options struct {
	Storage storage.KV
	Logger  *zap.Logger
	Now     func() time.Time
}

type Cache struct {
	kv  storage.KV
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[model.Key]Entry
	locks   map[model.Key]*keyLock
	subs    map[int]chan Change
	nextSub int
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		kv:      opts.Storage,
		log:     opts.Logger,
		now:     opts.Now,
		entries: make(map[model.Key]Entry),
		locks:   make(map[model.Key]*keyLock),
		subs:    make(map[int]chan Change),
	}
}

func (c *Cache) Get(key model.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// Set stores a confirmed server value.
func (c *Cache) Set(key model.Key, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ChangeSet)
}

func (c *Cache) Remove(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.publishLocked(Change{Key: key, Kind: ChangeRemoved})
	}
}

// Mutate runs one optimistic mutation against key. Mutations on the same
// key run one after another; each snapshot is taken after the previous
// mutation settled. On request failure the snapshot value is restored and
// the request error is returned. A stale mark set while the request was in
// flight survives both rollback and reconcile.
func (c *Cache) Mutate(ctx context.Context, key model.Key, update UpdateFunc, request RequestFunc, opts MutateOptions) (json.RawMessage, error) {
	if err := c.lock(ctx, key); err != nil {
		return nil, err
	}
	defer c.unlock(key)

	c.mu.Lock()
	snapshot, hadSnapshot := c.entries[key]
	snapshot = cloneEntry(snapshot)
	var optimistic bool
	if update != nil {
		next, err := update(cloneRaw(snapshot.Value), hadSnapshot)
		if err != nil {
			c.mu.Unlock()
			return nil, Error.Wrap(err)
		}
		if next != nil {
			c.entries[key] = Entry{Value: cloneRaw(next), Stale: snapshot.Stale, UpdatedAt: c.now()}
			c.publishLocked(Change{Key: key, Kind: ChangeOptimistic})
			optimistic = true
		}
	}
	c.mu.Unlock()

	data, err := request(ctx)
	if err != nil {
		if optimistic {
			c.mu.Lock()
			if hadSnapshot {
				restored := snapshot
				restored.Stale = snapshot.Stale || c.entries[key].Stale
				c.entries[key] = restored
			} else {
				delete(c.entries, key)
			}
			c.publishLocked(Change{Key: key, Kind: ChangeRollback})
			c.mu.Unlock()
			c.log.Debug("optimistic update rolled back", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.Reconcile != nil {
		current, exists := c.entries[key]
		if exists {
			reconciled, rerr := opts.Reconcile(cloneRaw(current.Value), data)
			if rerr != nil {
				c.log.Warn("reconcile failed", zap.String("key", key.String()), zap.Error(rerr))
				current.Stale = true
				c.entries[key] = current
			} else if reconciled != nil {
				c.setLocked(key, reconciled, ChangeSet)
				if current.Stale {
					c.markStaleLocked(key)
				}
			}
		}
	}
	for _, prefix := range opts.Invalidate {
		c.invalidateLocked(func(k model.Key) bool { return k.HasPrefix(prefix) })
	}
	return data, nil
}

// Apply folds a confirmed change into the entry for key, serialized with
// Mutate and Fetch on the same key. A nil result leaves the entry as is.
func (c *Cache) Apply(ctx context.Context, key model.Key, fn UpdateFunc) error {
	if err := c.lock(ctx, key); err != nil {
		return err
	}
	defer c.unlock(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists := c.entries[key]
	next, err := fn(cloneRaw(current.Value), exists)
	if err != nil {
		return Error.Wrap(err)
	}
	if next != nil {
		c.setLocked(key, next, ChangeSet)
	}
	return nil
}

// Fetch returns the value for key, loading it with fetch when it is
// missing or stale. If the load fails and a cached value exists, the cached
// value is returned. Fetch is serialized with Mutate on the same key.
func (c *Cache) Fetch(ctx context.Context, key model.Key, fetch RequestFunc) (json.RawMessage, error) {
	if entry, ok := c.Get(key); ok && !entry.Stale {
		return entry.Value, nil
	}
	if err := c.lock(ctx, key); err != nil {
		return nil, err
	}
	defer c.unlock(key)

	if entry, ok := c.Get(key); ok && !entry.Stale {
		return entry.Value, nil
	}
	data, err := fetch(ctx)
	if err != nil {
		if entry, ok := c.Get(key); ok {
			c.log.Debug("serving cached value after fetch failure", zap.String("key", key.String()), zap.Error(err))
			return entry.Value, nil
		}
		return nil, err
	}
	c.Set(key, data)
	return cloneRaw(data), nil
}

// Invalidate marks key stale.
func (c *Cache) Invalidate(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(func(k model.Key) bool { return k == key })
}

// InvalidatePrefix marks prefix and every key beneath it stale.
func (c *Cache) InvalidatePrefix(prefix model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(func(k model.Key) bool { return k.HasPrefix(prefix) })
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(func(model.Key) bool { return true })
}

func (c *Cache) Keys() []model.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]model.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe delivers entry changes. Slow subscribers miss changes.
func (c *Cache) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Cache) setLocked(key model.Key, value json.RawMessage, kind ChangeKind) {
	c.entries[key] = Entry{Value: cloneRaw(value), UpdatedAt: c.now()}
	c.publishLocked(Change{Key: key, Kind: kind})
}

func (c *Cache) markStaleLocked(key model.Key) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.Stale = true
	c.entries[key] = entry
}

func (c *Cache) invalidateLocked(match func(model.Key) bool) {
	for k, entry := range c.entries {
		if !match(k) || entry.Stale {
			continue
		}
		entry.Stale = true
		c.entries[k] = entry
		c.publishLocked(Change{Key: k, Kind: ChangeInvalidated})
	}
}

func (c *Cache) publishLocked(change Change) {
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (c *Cache) lock(ctx context.Context, key model.Key) error {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Cache) unlock(key model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.locks[key]
	<-l.sem
	l.refs--
	if l.refs == 0 {
		delete(c.locks, key)
	}
}

func cloneEntry(e Entry) Entry {
	e.Value = cloneRaw(e.Value)
	return e
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func (c *Cache) cacheKey() string { return storage.CacheKey }

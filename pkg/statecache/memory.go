package statecache

import (
	"context"
	"sync"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// MemoryCache is the in-process backend used by tests and single-node
// deployments. It mirrors the Firestore backend's merge, increment and
// server-timestamp semantics.
type MemoryCache struct {
	mu     sync.RWMutex
	owners map[string]map[string]*contracts.WardrobeCube
	subs   map[int64]*memorySub
	nextID int64
	closed bool
	clock  func() time.Time
}

type memorySub struct {
	ownerID string
	ch      chan Event
	done    chan struct{}
	once    sync.Once
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		owners: make(map[string]map[string]*contracts.WardrobeCube),
		subs:   make(map[int64]*memorySub),
		clock:  time.Now,
	}
}

// WithClock replaces the write-time source. Test hook.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) SetCube(ctx context.Context, doc *contracts.WardrobeCube) error {
	if doc == nil || doc.OwnerID == "" || doc.CubeID == "" {
		return errkind.New(errkind.Validation, "cube document requires owner_id and cube_id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UTC()
	next := cloneCube(doc)
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	for name, face := range next.Faces {
		if face.UpdatedAt.IsZero() {
			face.UpdatedAt = now
			next.Faces[name] = face
		}
	}
	cubes := c.cubesLocked(doc.OwnerID)
	prior := cloneCube(cubes[doc.CubeID])
	cubes[doc.CubeID] = next
	c.publishLocked(Event{
		Kind:    changeKind(prior),
		OwnerID: doc.OwnerID,
		CubeID:  doc.CubeID,
		Prior:   prior,
		Current: cloneCube(next),
		At:      now,
	})
	return nil
}

func (c *MemoryCache) GetCube(ctx context.Context, ownerID, cubeID string) (*contracts.WardrobeCube, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc := c.owners[ownerID][cubeID]
	if doc == nil {
		return nil, false, nil
	}
	return cloneCube(doc), true, nil
}

func (c *MemoryCache) MergeFace(ctx context.Context, ownerID, cubeID, face string, state contracts.WardrobeFace) error {
	if face == "" {
		return errkind.New(errkind.Validation, "merge face requires a face name")
	}
	return c.mutate(ownerID, cubeID, func(doc *contracts.WardrobeCube, now time.Time) error {
		st := cloneFace(state)
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = now
		}
		doc.Faces[face] = st
		return nil
	})
}

func (c *MemoryCache) Increment(ctx context.Context, ownerID, cubeID, field string, delta int64) error {
	return c.mutate(ownerID, cubeID, func(doc *contracts.WardrobeCube, _ time.Time) error {
		switch field {
		case FieldScanCount:
			doc.ScanCount += delta
		default:
			return errkind.New(errkind.Validation, "field %q does not support increment", field)
		}
		return nil
	})
}

func (c *MemoryCache) ArrayUnion(ctx context.Context, ownerID, cubeID, field string, values ...string) error {
	return c.mutate(ownerID, cubeID, func(doc *contracts.WardrobeCube, _ time.Time) error {
		switch field {
		case FieldRecentScans:
			doc.RecentScans = unionStrings(doc.RecentScans, values)
		default:
			return errkind.New(errkind.Validation, "field %q does not support array union", field)
		}
		return nil
	})
}

func (c *MemoryCache) RemoveCube(ctx context.Context, ownerID, cubeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cubes := c.owners[ownerID]
	prior := cloneCube(cubes[cubeID])
	if prior == nil {
		return nil
	}
	delete(cubes, cubeID)
	c.publishLocked(Event{
		Kind:    EventRemoved,
		OwnerID: ownerID,
		CubeID:  cubeID,
		Prior:   prior,
		At:      c.clock().UTC(),
	})
	return nil
}

func (c *MemoryCache) Subscribe(ctx context.Context, ownerID string) (<-chan Event, func(), error) {
	if ownerID == "" {
		return nil, nil, errkind.New(errkind.Validation, "subscribe requires an owner_id")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, errkind.New(errkind.ServiceUnavailable, "state cache is closed")
	}
	c.nextID++
	id := c.nextID
	sub := &memorySub{
		ownerID: ownerID,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() { c.removeSub(id, sub) }
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// Close closes every open subscription. Writes after Close still succeed;
// they just have no audience.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make(map[int64]*memorySub, len(c.subs))
	for id, sub := range c.subs {
		open[id] = sub
	}
	c.mu.Unlock()
	for id, sub := range open {
		c.removeSub(id, sub)
	}
	return nil
}

// mutate applies fn to a private copy of the document, creating a skeleton
// when the document is absent, then stores the result and publishes the
// change. The document-level UpdatedAt is always restamped.
func (c *MemoryCache) mutate(ownerID, cubeID string, fn func(doc *contracts.WardrobeCube, now time.Time) error) error {
	if ownerID == "" || cubeID == "" {
		return errkind.New(errkind.Validation, "owner_id and cube_id are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UTC()
	cubes := c.cubesLocked(ownerID)
	prior := cloneCube(cubes[cubeID])
	next := cloneCube(cubes[cubeID])
	if next == nil {
		next = &contracts.WardrobeCube{
			CubeID:       cubeID,
			OwnerID:      ownerID,
			AgenticState: contracts.AgenticIdle,
		}
	}
	if next.Faces == nil {
		next.Faces = make(map[string]contracts.WardrobeFace)
	}
	if err := fn(next, now); err != nil {
		return err
	}
	next.UpdatedAt = now
	cubes[cubeID] = next
	c.publishLocked(Event{
		Kind:    changeKind(prior),
		OwnerID: ownerID,
		CubeID:  cubeID,
		Prior:   prior,
		Current: cloneCube(next),
		At:      now,
	})
	return nil
}

func (c *MemoryCache) cubesLocked(ownerID string) map[string]*contracts.WardrobeCube {
	cubes := c.owners[ownerID]
	if cubes == nil {
		cubes = make(map[string]*contracts.WardrobeCube)
		c.owners[ownerID] = cubes
	}
	return cubes
}

// publishLocked fans ev out to matching subscribers. Sends are
// non-blocking, so holding the write lock here is safe.
func (c *MemoryCache) publishLocked(ev Event) {
	for _, sub := range c.subs {
		if sub.ownerID != ev.OwnerID {
			continue
		}
		offer(sub.ch, ev)
	}
}

// removeSub detaches and closes one subscription exactly once. The channel
// close happens under the write lock so it cannot race a publish.
func (c *MemoryCache) removeSub(id int64, sub *memorySub) {
	sub.once.Do(func() {
		close(sub.done)
		c.mu.Lock()
		delete(c.subs, id)
		close(sub.ch)
		c.mu.Unlock()
	})
}

func changeKind(prior *contracts.WardrobeCube) EventKind {
	if prior == nil {
		return EventAdded
	}
	return EventModified
}

func unionStrings(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, v := range have {
		seen[v] = true
	}
	out := have
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

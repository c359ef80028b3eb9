// Package client holds the consumer-side pieces of the realtime contract:
// a websocket subscriber for the gateway and a normalized cache that keeps
// query results, push events and optimistic local writes convergent.
package client

import (
	"errors"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnknownCursor indicates an operation on a cursor that was never registered.
	ErrUnknownCursor = errors.New("client: unknown list cursor")
	// ErrCursorExists indicates a duplicate cursor registration.
	ErrCursorExists = errors.New("client: cursor already registered")
)

// EntityRef identifies one cached record.
type EntityRef struct {
	Kind string
	ID   string
}

// Entity is a denormalized record as received from a query or a push event.
type Entity struct {
	Kind   string
	ID     string
	Fields map[string]any
}

// CursorState tracks where a list cursor is in its fetch lifecycle.
type CursorState string

const (
	StateEmpty            CursorState = "EMPTY"
	StateLoadingFirstPage CursorState = "LOADING_FIRST_PAGE"
	StateReady            CursorState = "READY"
	StateLoadingNextPage  CursorState = "LOADING_NEXT_PAGE"
)

// ListOrder controls where a pushed entity that is new to the list lands.
type ListOrder int

const (
	// AppendToEnd suits chronological lists such as comment threads.
	AppendToEnd ListOrder = iota
	// PrependToTop suits reverse-chronological lists such as feeds.
	PrependToTop
)

type listCursor struct {
	kind    string
	order   ListOrder
	state   CursorState
	ids     []string
	present map[string]struct{}
	// pending buffers push events that arrived before the first page.
	// They are replayed, deduplicated, once the page lands.
	pending []Entity
}

type overlayKey struct {
	ref       EntityRef
	operation string
}

// Cache is the normalized client-side store. One record per entity id,
// referenced from any number of named list cursors. All methods are safe
// for concurrent use.
type Cache struct {
	mu       sync.Mutex
	logger   *zap.Logger
	entities map[EntityRef]map[string]any
	cursors  map[string]*listCursor
	overlay  map[overlayKey]map[string]any
}

// NewCache builds an empty cache. A nil logger falls back to a no-op one.
func NewCache(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:   logger,
		entities: make(map[EntityRef]map[string]any),
		cursors:  make(map[string]*listCursor),
		overlay:  make(map[overlayKey]map[string]any),
	}
}

// RegisterCursor declares a named list over one entity kind.
func (c *Cache) RegisterCursor(name, kind string, order ListOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cursors[name]; exists {
		return ErrCursorExists
	}
	c.cursors[name] = &listCursor{
		kind:    kind,
		order:   order,
		state:   StateEmpty,
		present: make(map[string]struct{}),
	}
	return nil
}

// BeginFirstPage marks the cursor as fetching its initial page.
func (c *Cache) BeginFirstPage(name string) error {
	return c.transition(name, StateLoadingFirstPage)
}

// BeginNextPage marks the cursor as fetching a follow-up page.
func (c *Cache) BeginNextPage(name string) error {
	return c.transition(name, StateLoadingNextPage)
}

func (c *Cache) transition(name string, state CursorState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor, ok := c.cursors[name]
	if !ok {
		return ErrUnknownCursor
	}
	cursor.state = state
	return nil
}

// ApplyPage merges a query result into the cursor. A first page (offset 0)
// replaces the loaded list wholesale so server-side deletions and reorders
// win. A later page appends only ids not already present, which absorbs
// window overlap from concurrent inserts. Push events buffered while the
// first page was in flight are replayed afterwards.
func (c *Cache) ApplyPage(name string, offset int, page []Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor, ok := c.cursors[name]
	if !ok {
		return ErrUnknownCursor
	}

	if offset == 0 {
		cursor.ids = cursor.ids[:0]
		cursor.present = make(map[string]struct{})
	}
	for _, entity := range page {
		c.storeLocked(entity)
		if _, seen := cursor.present[entity.ID]; seen {
			continue
		}
		cursor.ids = append(cursor.ids, entity.ID)
		cursor.present[entity.ID] = struct{}{}
	}

	buffered := cursor.pending
	cursor.pending = nil
	cursor.state = StateReady
	for _, entity := range buffered {
		c.applyPushLocked(name, cursor, entity)
	}
	return nil
}

// ApplyPush merges a push event into the cursor. A known id patches the
// record in place without touching list order; a new id is appended (or
// prepended for reverse-chronological lists). Applying the same event
// twice is a no-op the second time.
func (c *Cache) ApplyPush(name string, entity Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor, ok := c.cursors[name]
	if !ok {
		c.logger.Warn("push event without a matching cursor",
			zap.String("cursor", name),
			zap.String("kind", entity.Kind),
			zap.String("id", entity.ID))
		c.storeLocked(entity)
		return nil
	}
	if cursor.state == StateEmpty || cursor.state == StateLoadingFirstPage {
		cursor.pending = append(cursor.pending, entity)
		return nil
	}
	c.applyPushLocked(name, cursor, entity)
	return nil
}

func (c *Cache) applyPushLocked(name string, cursor *listCursor, entity Entity) {
	c.storeLocked(entity)
	if _, seen := cursor.present[entity.ID]; seen {
		return
	}
	if cursor.order == PrependToTop {
		cursor.ids = append([]string{entity.ID}, cursor.ids...)
	} else {
		cursor.ids = append(cursor.ids, entity.ID)
	}
	cursor.present[entity.ID] = struct{}{}
	c.logger.Debug("push appended to cursor", zap.String("cursor", name), zap.String("id", entity.ID))
}

// ApplyDelete removes the entity from every cursor of its kind and evicts
// its record. Unknown ids are ignored.
func (c *Cache) ApplyDelete(kind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := EntityRef{Kind: kind, ID: id}
	delete(c.entities, ref)
	for key := range c.overlay {
		if key.ref == ref {
			delete(c.overlay, key)
		}
	}
	for _, cursor := range c.cursors {
		if cursor.kind != kind {
			continue
		}
		if _, seen := cursor.present[id]; !seen {
			continue
		}
		delete(cursor.present, id)
		kept := cursor.ids[:0]
		for _, existing := range cursor.ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		cursor.ids = kept
	}
}

// storeLocked upserts the entity record, patching known records field by
// field so partial events never erase previously loaded fields. Incoming
// values that confirm an optimistic write clear its overlay entry.
func (c *Cache) storeLocked(entity Entity) {
	ref := EntityRef{Kind: entity.Kind, ID: entity.ID}
	record, known := c.entities[ref]
	if !known {
		record = make(map[string]any, len(entity.Fields))
		c.entities[ref] = record
	}
	for field, value := range entity.Fields {
		record[field] = value
	}
	c.reconcileOverlayLocked(ref, record)
}

func (c *Cache) reconcileOverlayLocked(ref EntityRef, record map[string]any) {
	for key, patch := range c.overlay {
		if key.ref != ref {
			continue
		}
		confirmed := true
		for field, expected := range patch {
			// Patch values can hold slices, such as a likes list.
			if !reflect.DeepEqual(record[field], expected) {
				confirmed = false
				break
			}
		}
		if confirmed {
			delete(c.overlay, key)
		}
	}
}

// ApplyOptimistic records a local write ahead of server confirmation. The
// overlay is keyed by entity and operation so two distinct optimistic
// actions on one entity coexist. The patch is dropped as soon as a query
// result or push event carries the same values back.
func (c *Cache) ApplyOptimistic(ref EntityRef, operation string, patch map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]any, len(patch))
	for field, value := range patch {
		copied[field] = value
	}
	c.overlay[overlayKey{ref: ref, operation: operation}] = copied
}

// RevertOptimistic discards a pending local write, typically after the
// mutation it backed failed.
func (c *Cache) RevertOptimistic(ref EntityRef, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overlay, overlayKey{ref: ref, operation: operation})
}

// Entity returns the cached record with any optimistic overlay applied on
// top. The returned map is a copy.
func (c *Cache) Entity(ref EntityRef) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, known := c.entities[ref]
	if !known {
		return nil, false
	}
	view := make(map[string]any, len(record))
	for field, value := range record {
		view[field] = value
	}
	for key, patch := range c.overlay {
		if key.ref != ref {
			continue
		}
		for field, value := range patch {
			view[field] = value
		}
	}
	return view, true
}

// CursorIDs returns the ordered ids loaded into the cursor.
func (c *Cache) CursorIDs(name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor, ok := c.cursors[name]
	if !ok {
		return nil, ErrUnknownCursor
	}
	ids := make([]string, len(cursor.ids))
	copy(ids, cursor.ids)
	return ids, nil
}

// CursorState reports the cursor's fetch state.
func (c *Cache) CursorState(name string) (CursorState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor, ok := c.cursors[name]
	if !ok {
		return "", ErrUnknownCursor
	}
	return cursor.state, nil
}

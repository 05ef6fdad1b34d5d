// Package statecache mirrors per-owner wardrobe state as one document per
// cube and fans out document changes to subscribers. It is the read path
// for owner-facing wardrobe queries and the publish point for real-time
// client updates after a scan completes.
//
// Documents live at wardrobes/{owner_id}/cubes/{cube_id}. Two backends
// implement Cache: MemoryCache, always available, and a Firestore backend
// compiled in with -tags gcp.
package statecache

import (
	"context"
	"log/slog"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// Document fields addressable by Increment and ArrayUnion.
const (
	FieldScanCount   = "scan_count"
	FieldRecentScans = "recent_scans"
)

// subscriberBuffer caps each subscriber's event queue. When the queue is
// full the oldest pending event is discarded so publishers never block.
const subscriberBuffer = 16

// EventKind classifies a document change.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventModified EventKind = "modified"
	EventRemoved  EventKind = "removed"
)

// Event is one document change delivered to subscribers. Prior is nil for
// added events and Current is nil for removed events; both are copies
// detached from the store.
type Event struct {
	Kind    EventKind               `json:"kind"`
	OwnerID string                  `json:"owner_id"`
	CubeID  string                  `json:"cube_id"`
	Prior   *contracts.WardrobeCube `json:"prior,omitempty"`
	Current *contracts.WardrobeCube `json:"current,omitempty"`
	At      time.Time               `json:"at"`
}

// Cache is the wardrobe document store. Write operations merge into the
// document tree; Subscribe streams every change under one owner.
type Cache interface {
	// SetCube writes the full document for (doc.OwnerID, doc.CubeID),
	// replacing any existing version. A zero UpdatedAt is stamped with
	// the store's write time.
	SetCube(ctx context.Context, doc *contracts.WardrobeCube) error

	// GetCube reads one document. The second return is false when the
	// document does not exist.
	GetCube(ctx context.Context, ownerID, cubeID string) (*contracts.WardrobeCube, bool, error)

	// MergeFace replaces a single face, creating the document when
	// absent and leaving all other faces untouched.
	MergeFace(ctx context.Context, ownerID, cubeID, face string, state contracts.WardrobeFace) error

	// Increment atomically adds delta to a numeric document field.
	Increment(ctx context.Context, ownerID, cubeID, field string, delta int64) error

	// ArrayUnion appends the values not already present in an array
	// field, preserving insertion order.
	ArrayUnion(ctx context.Context, ownerID, cubeID, field string, values ...string) error

	// RemoveCube deletes one document. Removing a missing document is
	// not an error.
	RemoveCube(ctx context.Context, ownerID, cubeID string) error

	// Subscribe streams changes to every cube under ownerID until the
	// cancel function runs or ctx ends; the channel is then closed.
	Subscribe(ctx context.Context, ownerID string) (<-chan Event, func(), error)

	// Close releases backend resources and closes open subscriptions.
	Close() error
}

// NewFromConfig builds the backend named by cfg.StateCacheBackend.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Cache, error) {
	switch cfg.StateCacheBackend {
	case "", "memory":
		return NewMemoryCache(), nil
	case "firestore":
		return newFirestoreFromConfig(ctx, cfg, logger)
	default:
		return nil, errkind.New(errkind.Validation, "unsupported state cache backend %q", cfg.StateCacheBackend)
	}
}

// offer queues ev without blocking, discarding the oldest pending event
// when the subscriber's queue is full.
func offer(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// cloneCube deep-copies doc so callers and subscribers never share mutable
// state with the store.
func cloneCube(doc *contracts.WardrobeCube) *contracts.WardrobeCube {
	if doc == nil {
		return nil
	}
	out := *doc
	if doc.Faces != nil {
		out.Faces = make(map[string]contracts.WardrobeFace, len(doc.Faces))
		for name, face := range doc.Faces {
			out.Faces[name] = cloneFace(face)
		}
	}
	if doc.RecentScans != nil {
		out.RecentScans = append([]string(nil), doc.RecentScans...)
	}
	out.BiometricSync = cloneBiometric(doc.BiometricSync)
	return &out
}

func cloneFace(face contracts.WardrobeFace) contracts.WardrobeFace {
	out := face
	if face.Data != nil {
		out.Data = make(map[string]any, len(face.Data))
		for k, v := range face.Data {
			out.Data[k] = v
		}
	}
	return out
}

func cloneBiometric(b contracts.BiometricSync) contracts.BiometricSync {
	out := b
	if b.RenderHints != nil {
		out.RenderHints = make(map[string]any, len(b.RenderHints))
		for k, v := range b.RenderHints {
			out.RenderHints[k] = v
		}
	}
	if b.LastGazeAt != nil {
		t := *b.LastGazeAt
		out.LastGazeAt = &t
	}
	return out
}

//go:build gcp

package statecache

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// FirestoreCache stores wardrobe documents in Cloud Firestore and adapts
// collection snapshot listeners to Subscribe events. The serverTimestamp
// tag option on UpdatedAt gives writes the same stamp-on-zero behavior as
// the memory backend.
type FirestoreCache struct {
	client *firestore.Client
	logger *slog.Logger
}

func newFirestoreFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Cache, error) {
	if cfg.StateCacheProject == "" {
		return nil, errkind.New(errkind.Validation, "STATE_CACHE_PROJECT is required for the firestore backend")
	}
	return NewFirestoreCache(ctx, cfg.StateCacheProject, logger)
}

// NewFirestoreCache connects to the project's Firestore database.
func NewFirestoreCache(ctx context.Context, projectID string, logger *slog.Logger) (*FirestoreCache, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, errkind.Wrap(errkind.ServiceUnavailable, err, "firestore client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreCache{client: client, logger: logger}, nil
}

func (c *FirestoreCache) cubes(ownerID string) *firestore.CollectionRef {
	return c.client.Collection("wardrobes").Doc(ownerID).Collection("cubes")
}

func (c *FirestoreCache) cube(ownerID, cubeID string) *firestore.DocumentRef {
	return c.cubes(ownerID).Doc(cubeID)
}

func (c *FirestoreCache) SetCube(ctx context.Context, doc *contracts.WardrobeCube) error {
	if doc == nil || doc.OwnerID == "" || doc.CubeID == "" {
		return errkind.New(errkind.Validation, "cube document requires owner_id and cube_id")
	}
	if _, err := c.cube(doc.OwnerID, doc.CubeID).Set(ctx, doc); err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "set cube")
	}
	return nil
}

func (c *FirestoreCache) GetCube(ctx context.Context, ownerID, cubeID string) (*contracts.WardrobeCube, bool, error) {
	snap, err := c.cube(ownerID, cubeID).Get(ctx)
	if err != nil {
		if snap != nil && !snap.Exists() {
			return nil, false, nil
		}
		return nil, false, errkind.Wrap(errkind.ServiceUnavailable, err, "get cube")
	}
	var doc contracts.WardrobeCube
	if err := snap.DataTo(&doc); err != nil {
		return nil, false, errkind.Wrap(errkind.Internal, err, "decode cube document")
	}
	return &doc, true, nil
}

// MergeFace includes the identifying fields in every merge so a document
// created by its first face write is self-describing.
func (c *FirestoreCache) MergeFace(ctx context.Context, ownerID, cubeID, face string, state contracts.WardrobeFace) error {
	if ownerID == "" || cubeID == "" || face == "" {
		return errkind.New(errkind.Validation, "merge face requires owner_id, cube_id and face")
	}
	_, err := c.cube(ownerID, cubeID).Set(ctx, map[string]any{
		"cube_id":    cubeID,
		"owner_id":   ownerID,
		"faces":      map[string]any{face: state},
		"updated_at": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "merge face")
	}
	return nil
}

func (c *FirestoreCache) Increment(ctx context.Context, ownerID, cubeID, field string, delta int64) error {
	switch field {
	case FieldScanCount:
	default:
		return errkind.New(errkind.Validation, "field %q does not support increment", field)
	}
	_, err := c.cube(ownerID, cubeID).Set(ctx, map[string]any{
		"cube_id":    cubeID,
		"owner_id":   ownerID,
		field:        firestore.Increment(delta),
		"updated_at": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "increment "+field)
	}
	return nil
}

func (c *FirestoreCache) ArrayUnion(ctx context.Context, ownerID, cubeID, field string, values ...string) error {
	switch field {
	case FieldRecentScans:
	default:
		return errkind.New(errkind.Validation, "field %q does not support array union", field)
	}
	elems := make([]any, len(values))
	for i, v := range values {
		elems[i] = v
	}
	_, err := c.cube(ownerID, cubeID).Set(ctx, map[string]any{
		"cube_id":    cubeID,
		"owner_id":   ownerID,
		field:        firestore.ArrayUnion(elems...),
		"updated_at": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "array union "+field)
	}
	return nil
}

func (c *FirestoreCache) RemoveCube(ctx context.Context, ownerID, cubeID string) error {
	if _, err := c.cube(ownerID, cubeID).Delete(ctx); err != nil {
		return errkind.Wrap(errkind.ServiceUnavailable, err, "remove cube")
	}
	return nil
}

func (c *FirestoreCache) Subscribe(ctx context.Context, ownerID string) (<-chan Event, func(), error) {
	if ownerID == "" {
		return nil, nil, errkind.New(errkind.Validation, "subscribe requires an owner_id")
	}
	watchCtx, stop := context.WithCancel(ctx)
	it := c.cubes(ownerID).Snapshots(watchCtx)
	ch := make(chan Event, subscriberBuffer)
	go func() {
		defer close(ch)
		defer it.Stop()
		// Firestore changes carry only the current view; the prior view
		// comes from the last document each change superseded.
		prior := make(map[string]*contracts.WardrobeCube)
		for {
			snap, err := it.Next()
			if err != nil {
				if watchCtx.Err() == nil {
					c.logger.Warn("wardrobe snapshot stream ended",
						"owner_id", ownerID, "error", err)
				}
				return
			}
			for _, change := range snap.Changes {
				ev, ok := changeEvent(ownerID, change, snap.ReadTime, prior)
				if !ok {
					c.logger.Warn("dropping undecodable wardrobe change",
						"owner_id", ownerID, "cube_id", change.Doc.Ref.ID)
					continue
				}
				offer(ch, ev)
			}
		}
	}()
	return ch, stop, nil
}

func (c *FirestoreCache) Close() error {
	return c.client.Close()
}

func changeEvent(ownerID string, change firestore.DocumentChange, at time.Time, prior map[string]*contracts.WardrobeCube) (Event, bool) {
	cubeID := change.Doc.Ref.ID
	ev := Event{OwnerID: ownerID, CubeID: cubeID, Prior: prior[cubeID], At: at}
	switch change.Kind {
	case firestore.DocumentAdded:
		ev.Kind = EventAdded
	case firestore.DocumentModified:
		ev.Kind = EventModified
	case firestore.DocumentRemoved:
		ev.Kind = EventRemoved
		delete(prior, cubeID)
		return ev, true
	default:
		return Event{}, false
	}
	var doc contracts.WardrobeCube
	if err := change.Doc.DataTo(&doc); err != nil {
		return Event{}, false
	}
	if doc.CubeID == "" {
		doc.CubeID = cubeID
	}
	if doc.OwnerID == "" {
		doc.OwnerID = ownerID
	}
	ev.Current = &doc
	prior[cubeID] = cloneCube(&doc)
	return ev, true
}

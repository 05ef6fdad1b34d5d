package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/brandmeonline/integrity-spine/pkg/api"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
)

// fallbackRefreshInterval throttles corpus refreshes per cube. The
// corpus TTL is longer, so a busy cube stays warm and an idle one ages
// out.
const fallbackRefreshInterval = time.Minute

func fallbackCubeKey(cubeID string) string {
	return "cube/public/" + cubeID
}

// serveFallbackCube answers a cube read from the fallback corpus.
// Corpus entries hold only the public projection, so serving one to any
// viewer never over-discloses. Returns false when there is nothing to
// serve.
func (s *Server) serveFallbackCube(w http.ResponseWriter, r *http.Request, cubeID string) bool {
	if s.fallback == nil {
		return false
	}
	payload, ok, err := s.fallback.Get(r.Context(), fallbackCubeKey(cubeID))
	if err != nil || !ok {
		return false
	}
	var view contracts.CubeView
	if err := json.Unmarshal(payload, &view); err != nil {
		s.logger.Warn("fallback corpus entry corrupt", "cube_id", cubeID, "error", err)
		return false
	}
	s.logger.Warn("serving public projection from fallback corpus", "cube_id", cubeID)
	api.WriteJSON(w, http.StatusOK, &view)
	return true
}

// touchFallbackCube refreshes the corpus entry for cubeID after a
// successful read, at most once per interval per cube.
func (s *Server) touchFallbackCube(cubeID string) {
	if s.fallback == nil || s.assembler == nil {
		return
	}
	now := time.Now()
	s.fbMu.Lock()
	if last, ok := s.fbLast[cubeID]; ok && now.Sub(last) < fallbackRefreshInterval {
		s.fbMu.Unlock()
		return
	}
	s.fbLast[cubeID] = now
	s.fbMu.Unlock()

	// The request context ends with the response; the refresh gets its
	// own deadline.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.refreshFallbackCube(ctx, cubeID); err != nil {
			s.logger.Debug("fallback refresh skipped", "cube_id", cubeID, "error", err)
		}
	}()
}

// refreshFallbackCube stores the public-floor projection of cubeID. The
// assembler applies the facet floors itself, so the stored view carries
// exactly what an anonymous scan would see.
func (s *Server) refreshFallbackCube(ctx context.Context, cubeID string) error {
	asset, err := s.assets.Asset(ctx, cubeID)
	if err != nil {
		return err
	}
	faces, err := s.assembler.Faces(ctx, cubeID, contracts.ScopePublic)
	if err != nil {
		return err
	}
	view := contracts.CubeView{
		CubeID:  asset.AssetID,
		OwnerID: asset.CurrentOwnerID,
		Faces:   make(map[contracts.Facet]*contracts.FaceView, len(faces)),
	}
	for facet, data := range faces {
		view.Faces[facet] = &contracts.FaceView{
			Status:     contracts.FaceVisible,
			Visibility: contracts.VisibilityPublic,
			Data:       data,
		}
	}
	payload, err := json.Marshal(&view)
	if err != nil {
		return err
	}
	return s.fallback.Put(ctx, fallbackCubeKey(cubeID), payload)
}

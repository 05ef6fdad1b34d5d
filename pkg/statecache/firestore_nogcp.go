//go:build !gcp

package statecache

import (
	"context"
	"log/slog"

	"github.com/brandmeonline/integrity-spine/pkg/config"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

func newFirestoreFromConfig(_ context.Context, _ *config.Config, _ *slog.Logger) (Cache, error) {
	return nil, errkind.New(errkind.Validation, "firestore state cache is not enabled in this build (use -tags gcp)")
}

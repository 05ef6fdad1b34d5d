//go:build !gcp

package evidence

import (
	"context"
	"fmt"

	"github.com/brandmeonline/integrity-spine/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, fmt.Errorf("evidence: gcs backend is not compiled in (build with -tags gcp)")
}

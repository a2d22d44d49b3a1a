package history

import (
	"context"
	"strings"

	"github.com/ent0n29/agentdeck/internal/store"
)

// NewStore creates a postgres-backed store when configured, otherwise the
// JSON file store under the data dir.
func NewStore(ctx context.Context, databaseURL string, st *store.Store) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileStore(st), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

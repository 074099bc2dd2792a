package history

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when a database URL is configured,
// otherwise an in-process store.
func NewStore(ctx context.Context, databaseURL string, keep int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(keep), nil
	}
	return NewPostgresStore(ctx, databaseURL, keep)
}

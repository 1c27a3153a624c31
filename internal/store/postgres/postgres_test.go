package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/nhie-backend/internal/store"
	"github.com/DoyleJ11/nhie-backend/internal/store/storetest"
)

// Runs against a disposable database named by TEST_DATABASE_URL.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) store.Store { return s })
}

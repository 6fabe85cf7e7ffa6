package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/store/storetest"
)

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	// Migrations must be re-runnable.
	require.NoError(t, st.RunMigrations(ctx))

	storetest.RunContract(t, func(t *testing.T) store.JobStore {
		require.NoError(t, st.Truncate(ctx))
		return st
	})
}

func TestCursorRoundTrip(t *testing.T) {
	c, err := store.DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = store.DecodeCursor("%%%")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = store.DecodeCursor(store.Cursor{JobID: ""}.Encode())
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, store.DefaultPageSize, store.NormalizeLimit(0))
	assert.Equal(t, store.MaxPageSize, store.NormalizeLimit(1000))
	assert.Equal(t, 7, store.NormalizeLimit(7))
}

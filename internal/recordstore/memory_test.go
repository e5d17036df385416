package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/schoolsync/internal/records"
)

func nextEvent(t *testing.T, sub records.Subscription) records.ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "feed closed early: %v", sub.Err())
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change event")
		return records.ChangeEvent{}
	}
}

// exerciseStore runs the shared Store contract against a fresh, empty store.
func exerciseStore(t *testing.T, store records.Store) {
	t.Helper()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	rows, err := store.Select(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = store.Insert(ctx, records.Fields{Name: records.String("  ")})
	assert.ErrorIs(t, err, records.ErrNameRequired)

	created, err := store.Insert(ctx, records.Fields{
		Name:     records.String("Escuela Norte"),
		Locality: records.String("Rosario"),
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	north := created[0]
	assert.Positive(t, north.ID)
	assert.Equal(t, "Escuela Norte", north.Name)
	assert.Equal(t, "Rosario", north.Locality)

	event := nextEvent(t, sub)
	assert.Equal(t, records.Created, event.Kind)
	assert.Equal(t, north, *event.Record)

	created, err = store.Insert(ctx, records.Fields{Name: records.String("Escuela Sur")})
	require.NoError(t, err)
	south := created[0]
	assert.Greater(t, south.ID, north.ID)
	assert.Equal(t, records.Created, nextEvent(t, sub).Kind)

	updated, err := store.Update(ctx, north.ID, records.Fields{Phone: records.String("341-555-0101")})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "Escuela Norte", updated[0].Name)
	assert.Equal(t, "341-555-0101", updated[0].Phone)

	event = nextEvent(t, sub)
	assert.Equal(t, records.Updated, event.Kind)
	assert.Equal(t, updated[0], *event.Record)

	missing, err := store.Update(ctx, 9999, records.Fields{Name: records.String("ghost")})
	require.NoError(t, err)
	assert.Empty(t, missing)

	found, ok, err := store.Lookup(ctx, north.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, updated[0], found)

	_, ok, err = store.Lookup(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, north.ID))
	event = nextEvent(t, sub)
	assert.Equal(t, records.Deleted, event.Kind)
	assert.Equal(t, north.ID, event.Key.ID)

	require.NoError(t, store.Delete(ctx, 9999))

	rows, err = store.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, []records.Record{south}, rows)
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	exerciseStore(t, store)
}

func TestMemoryStoreSeedDoesNotPublish(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	sub, err := store.Subscribe(context.Background())
	require.NoError(t, err)

	store.Seed(records.Record{ID: 7, Name: "Seeded"}, records.Record{ID: 0, Name: "ignored"})

	rows, err := store.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []records.Record{{ID: 7, Name: "Seeded"}}, rows)
	assert.Empty(t, sub.Events())

	created, err := store.Insert(context.Background(), records.Fields{Name: records.String("Next")})
	require.NoError(t, err)
	assert.Equal(t, int64(8), created[0].ID)
}

func TestMemoryStoreClose(t *testing.T) {
	store := NewMemoryStore(Options{})
	sub, err := store.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrStoreClosed)

	_, err = store.Select(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore(Options{})
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Select(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Insert(ctx, records.Fields{Name: records.String("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

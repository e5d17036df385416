package recordstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/schoolsync/internal/records"
)

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"), Options{})
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", Options{Table: "schools"})
	require.NoError(t, err)
	defer store.Close()

	created, err := store.Insert(context.Background(), records.Fields{
		Name:      records.String("Colegio Nacional"),
		FoundedOn: records.String("1863-03-14"),
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, records.Record{ID: 1, Name: "Colegio Nacional", FoundedOn: "1863-03-14"}, created[0])

	echo, err := store.Update(context.Background(), created[0].ID, records.Fields{})
	require.NoError(t, err)
	assert.Equal(t, created, echo)
}

func TestSQLiteStoreCloseEndsFeed(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"), Options{})
	require.NoError(t, err)
	sub, err := store.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrStoreClosed)
}

func TestSQLTableQueries(t *testing.T) {
	table := sqlTable{name: "escuela", placeholder: postgresPlaceholder}

	assert.Equal(t,
		`SELECT id, COALESCE("name", ''), COALESCE("address", ''), COALESCE("locality", ''), COALESCE("phone", ''), COALESCE("email", ''), COALESCE("founded_on", '') FROM "escuela" ORDER BY id ASC`,
		table.selectAllQuery())

	query, args, err := table.updateQuery(4, records.Fields{
		Name:  records.String("Nueva"),
		Email: records.String("a@b.example"),
	})
	require.NoError(t, err)
	assert.Contains(t, query, `UPDATE "escuela" SET "name" = $1, "email" = $2 WHERE id = $3 RETURNING`)
	assert.Equal(t, []any{"Nueva", "a@b.example", int64(4)}, args)

	_, _, err = table.insertQuery(records.Fields{})
	assert.ErrorIs(t, err, records.ErrInvalidInput)

	lite := sqlTable{name: `we"ird`, placeholder: sqlitePlaceholder}
	assert.Equal(t, `DELETE FROM "we""ird" WHERE id = ?`, lite.deleteQuery())
}

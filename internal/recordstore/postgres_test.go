package recordstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/schoolsync/internal/records"
)

func TestPostgresTriggerNotifiesKeysOnly(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/schools", Options{})
	require.NoError(t, err)

	stmts := store.schemaStatements()
	var function string
	for _, stmt := range stmts {
		if strings.Contains(stmt, "pg_notify") {
			function = stmt
		}
	}
	require.NotEmpty(t, function)
	assert.NotContains(t, function, "row_to_json")
	assert.Contains(t, function, "json_build_object('id', NEW.id)")
	assert.Contains(t, function, "json_build_object('id', OLD.id)")
	assert.Contains(t, function, "'escuela_changes'")
}

func TestPostgresSubscriptionResolve(t *testing.T) {
	long := strings.Repeat("Calle Larga ", 800)
	rows := map[int64]records.Record{
		7: {ID: 7, Name: "Escuela 7", Address: long},
	}
	lookupErr := errors.New("connection reset")
	sub := &postgresSubscription{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		lookup: func(ctx context.Context, id int64) (records.Record, bool, error) {
			if id == 99 {
				return records.Record{}, false, lookupErr
			}
			row, ok := rows[id]
			return row, ok, nil
		},
	}
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
		want    records.ChangeEvent
		wantOK  bool
		wantErr error
	}{
		{
			name:    "insert reads the row back",
			payload: `{"type":"INSERT","schema":"public","table":"escuela","record":{"id":7},"old_record":null}`,
			want:    records.CreatedEvent(rows[7]),
			wantOK:  true,
		},
		{
			name:    "update reads the row back",
			payload: `{"type":"UPDATE","schema":"public","table":"escuela","record":{"id":7},"old_record":{"id":7}}`,
			want:    records.UpdatedEvent(rows[7]),
			wantOK:  true,
		},
		{
			name:    "delete passes through",
			payload: `{"type":"DELETE","schema":"public","table":"escuela","record":null,"old_record":{"id":3}}`,
			want:    records.DeletedEvent(3),
			wantOK:  true,
		},
		{
			name:    "vanished row is skipped",
			payload: `{"type":"UPDATE","record":{"id":8},"old_record":{"id":8}}`,
		},
		{
			name:    "malformed payload is skipped",
			payload: `{"type":"TRUNCATE"}`,
		},
		{
			name:    "failed read back is an error",
			payload: `{"type":"INSERT","record":{"id":99}}`,
			wantErr: lookupErr,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := sub.resolve(ctx, []byte(tc.payload))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

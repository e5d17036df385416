package records

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeEventInsert(t *testing.T) {
	event, err := DecodeChangeEvent([]byte(`{"type":"INSERT","schema":"public","table":"escuela","record":{"id":7,"name":"Lincoln","email":null}}`))
	require.NoError(t, err)
	assert.Equal(t, Created, event.Kind)
	assert.Equal(t, int64(7), event.Key.ID)
	require.NotNil(t, event.Record)
	assert.Equal(t, "Lincoln", event.Record.Name)
	assert.Empty(t, event.Record.Email)
}

func TestDecodeChangeEventUpdate(t *testing.T) {
	event, err := DecodeChangeEvent([]byte(`{"type":"UPDATE","record":{"id":3,"name":"Renamed"},"old_record":{"id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, Updated, event.Kind)
	assert.Equal(t, "Renamed", event.Record.Name)
}

func TestDecodeChangeEventDeleteUsesOldRecordKey(t *testing.T) {
	event, err := DecodeChangeEvent([]byte(`{"type":"DELETE","record":{},"old_record":{"id":5}}`))
	require.NoError(t, err)
	assert.Equal(t, Deleted, event.Kind)
	assert.Equal(t, int64(5), event.Key.ID)
	assert.Nil(t, event.Record)
}

func TestDecodeChangeEventRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"TRUNCATE"}`,
		"insert without row": `{"type":"INSERT"}`,
		"insert without id":  `{"type":"INSERT","record":{"name":"x"}}`,
		"string id":          `{"type":"UPDATE","record":{"id":"4","name":"x"}}`,
		"delete without key": `{"type":"DELETE","record":{}}`,
		"zero id":            `{"type":"DELETE","old_record":{"id":0}}`,
		"numeric name":       `{"type":"INSERT","record":{"id":1,"name":12}}`,
		"not json":           `{"type":`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChangeEvent([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEvent), "expected ErrInvalidEvent, got %v", err)
		})
	}
}

func TestEncodeChangeEventRoundTrip(t *testing.T) {
	events := []ChangeEvent{
		CreatedEvent(Record{ID: 1, Name: "A", Locality: "Quito"}),
		UpdatedEvent(Record{ID: 2, Name: "B"}),
		DeletedEvent(3),
	}
	for _, event := range events {
		data, err := EncodeChangeEvent(event)
		require.NoError(t, err)
		decoded, err := DecodeChangeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, event, decoded)
	}
}

func TestChangeEventValidate(t *testing.T) {
	assert.Error(t, ChangeEvent{Kind: Created, Key: Key{ID: 1}}.Validate())
	assert.Error(t, ChangeEvent{Kind: Updated, Key: Key{ID: 1}, Record: &Record{ID: 2}}.Validate())
	assert.Error(t, ChangeEvent{Kind: Kind(9), Key: Key{ID: 1}}.Validate())
	assert.Error(t, DeletedEvent(0).Validate())
	assert.NoError(t, DeletedEvent(4).Validate())
}

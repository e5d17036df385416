package records

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind tags a change event.
type Kind int

const (
	Created Kind = iota + 1
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is one notification from the change feed. Key is always set;
// Record carries the new row state for Created and Updated.
type ChangeEvent struct {
	Kind   Kind
	Key    Key
	Record *Record
}

// CreatedEvent builds a Created event for r.
func CreatedEvent(r Record) ChangeEvent {
	return ChangeEvent{Kind: Created, Key: Key{ID: r.ID}, Record: &r}
}

// UpdatedEvent builds an Updated event for r.
func UpdatedEvent(r Record) ChangeEvent {
	return ChangeEvent{Kind: Updated, Key: Key{ID: r.ID}, Record: &r}
}

// DeletedEvent builds a Deleted event for id.
func DeletedEvent(id int64) ChangeEvent {
	return ChangeEvent{Kind: Deleted, Key: Key{ID: id}}
}

// Validate reports whether the event can be merged.
func (e ChangeEvent) Validate() error {
	if e.Key.ID <= 0 {
		return fmt.Errorf("%w: missing key", ErrInvalidEvent)
	}
	switch e.Kind {
	case Created, Updated:
		if e.Record == nil {
			return fmt.Errorf("%w: %s without row", ErrInvalidEvent, e.Kind)
		}
		if e.Record.ID != e.Key.ID {
			return fmt.Errorf("%w: key %d does not match row %d", ErrInvalidEvent, e.Key.ID, e.Record.ID)
		}
	case Deleted:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEvent, int(e.Kind))
	}
	return nil
}

const (
	wireInsert = "INSERT"
	wireUpdate = "UPDATE"
	wireDelete = "DELETE"
)

type wireChangeEvent struct {
	Type      string  `json:"type"`
	Schema    string  `json:"schema,omitempty"`
	Table     string  `json:"table,omitempty"`
	Record    *Record `json:"record,omitempty"`
	OldRecord *Key    `json:"old_record,omitempty"`
}

//go:embed change_event.schema.json
var changeEventSchemaJSON string

var (
	changeEventSchemaOnce sync.Once
	changeEventSchema     *jsonschema.Schema
	changeEventSchemaErr  error
)

func compiledChangeEventSchema() (*jsonschema.Schema, error) {
	changeEventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchemaJSON))
		if err != nil {
			changeEventSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("change_event.schema.json", doc); err != nil {
			changeEventSchemaErr = err
			return
		}
		changeEventSchema, changeEventSchemaErr = compiler.Compile("change_event.schema.json")
	})
	return changeEventSchema, changeEventSchemaErr
}

// DecodeChangeEvent parses a wire change event
// ({"type":"INSERT|UPDATE|DELETE","record":{...},"old_record":{...}}), validating
// it against the embedded JSON schema before building the tagged event.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	schema, err := compiledChangeEventSchema()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("compile change event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(inst); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var wire wireChangeEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var event ChangeEvent
	switch wire.Type {
	case wireInsert:
		event = CreatedEvent(*wire.Record)
	case wireUpdate:
		event = UpdatedEvent(*wire.Record)
	case wireDelete:
		event = DeletedEvent(wire.OldRecord.ID)
	}
	if err := event.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return event, nil
}

// EncodeChangeEvent renders e in the wire format accepted by DecodeChangeEvent.
func EncodeChangeEvent(e ChangeEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	wire := wireChangeEvent{}
	switch e.Kind {
	case Created:
		wire.Type = wireInsert
		wire.Record = e.Record
	case Updated:
		wire.Type = wireUpdate
		wire.Record = e.Record
	case Deleted:
		wire.Type = wireDelete
		wire.OldRecord = &Key{ID: e.Key.ID}
	}
	return json.Marshal(wire)
}

package records

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Record is one school row. The engine only interprets ID; every other field
// is carried through untouched.
type Record struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Locality  string `json:"locality,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	FoundedOn string `json:"founded_on,omitempty"`
}

// Key identifies a removed record.
type Key struct {
	ID int64 `json:"id"`
}

// Column is a single column assignment produced from Fields.
type Column struct {
	Name  string
	Value string
}

// Columns lists the table columns in select order.
var Columns = []string{"id", "name", "address", "locality", "phone", "email", "founded_on"}

// Fields is a partial field set used for inserts and patches. Nil means "not set".
type Fields struct {
	Name      *string `json:"name,omitempty"`
	Address   *string `json:"address,omitempty"`
	Locality  *string `json:"locality,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Email     *string `json:"email,omitempty"`
	FoundedOn *string `json:"founded_on,omitempty"`
}

// String returns a pointer to s, for building Fields literals.
func String(s string) *string {
	return &s
}

// NameValue returns the trimmed name, or "" when unset.
func (f Fields) NameValue() string {
	if f.Name == nil {
		return ""
	}
	return strings.TrimSpace(*f.Name)
}

// IsEmpty reports whether no field is set.
func (f Fields) IsEmpty() bool {
	return len(f.Columns()) == 0
}

// Columns returns the set fields as ordered column assignments.
func (f Fields) Columns() []Column {
	cols := make([]Column, 0, 6)
	add := func(name string, value *string) {
		if value != nil {
			cols = append(cols, Column{Name: name, Value: *value})
		}
	}
	add("name", f.Name)
	add("address", f.Address)
	add("locality", f.Locality)
	add("phone", f.Phone)
	add("email", f.Email)
	add("founded_on", f.FoundedOn)
	return cols
}

// ApplyTo overlays the set fields on r.
func (f Fields) ApplyTo(r Record) Record {
	set := func(dst *string, value *string) {
		if value != nil {
			*dst = *value
		}
	}
	set(&r.Name, f.Name)
	set(&r.Address, f.Address)
	set(&r.Locality, f.Locality)
	set(&r.Phone, f.Phone)
	set(&r.Email, f.Email)
	set(&r.FoundedOn, f.FoundedOn)
	return r
}

type fieldRules struct {
	Name      string `validate:"max=200"`
	Email     string `validate:"omitempty,email"`
	Phone     string `validate:"omitempty,max=40"`
	FoundedOn string `validate:"omitempty,datetime=2006-01-02"`
}

var fieldValidate = validator.New()

// Validate checks the format of the optional scalar fields. It does not require
// a name; callers creating a record check NameValue themselves.
func (f Fields) Validate() error {
	deref := func(value *string) string {
		if value == nil {
			return ""
		}
		return strings.TrimSpace(*value)
	}
	rules := fieldRules{
		Name:      deref(f.Name),
		Email:     deref(f.Email),
		Phone:     deref(f.Phone),
		FoundedOn: deref(f.FoundedOn),
	}
	if err := fieldValidate.Struct(rules); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// SortByID sorts records ascending by ID in place.
func SortByID(items []Record) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
}

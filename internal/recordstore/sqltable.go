package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentworkforce/schoolsync/internal/records"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlTable builds the record statements shared by the postgres and sqlite
// stores. Only the placeholder syntax differs between them.
type sqlTable struct {
	name        string
	placeholder func(n int) string
}

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func sqlitePlaceholder(int) string { return "?" }

func (t sqlTable) quoted() string {
	return quoteIdentifier(t.name)
}

func (t sqlTable) selectColumns() string {
	cols := make([]string, 0, len(records.Columns))
	for _, col := range records.Columns {
		if col == "id" {
			cols = append(cols, "id")
			continue
		}
		cols = append(cols, fmt.Sprintf("COALESCE(%s, '')", quoteIdentifier(col)))
	}
	return strings.Join(cols, ", ")
}

func (t sqlTable) selectAllQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY id ASC", t.selectColumns(), t.quoted())
}

func (t sqlTable) lookupQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", t.selectColumns(), t.quoted(), t.placeholder(1))
}

func (t sqlTable) insertQuery(fields records.Fields) (string, []any, error) {
	cols := fields.Columns()
	if len(cols) == 0 {
		return "", nil, records.ErrInvalidInput
	}
	names := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		names = append(names, quoteIdentifier(col.Name))
		marks = append(marks, t.placeholder(i+1))
		args = append(args, col.Value)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		t.quoted(), strings.Join(names, ", "), strings.Join(marks, ", "), t.selectColumns())
	return query, args, nil
}

func (t sqlTable) updateQuery(id int64, patch records.Fields) (string, []any, error) {
	cols := patch.Columns()
	if len(cols) == 0 {
		return "", nil, records.ErrInvalidInput
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdentifier(col.Name), t.placeholder(i+1)))
		args = append(args, col.Value)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s RETURNING %s",
		t.quoted(), strings.Join(sets, ", "), t.placeholder(len(cols)+1), t.selectColumns())
	return query, args, nil
}

func (t sqlTable) deleteQuery() string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = %s", t.quoted(), t.placeholder(1))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (records.Record, error) {
	var r records.Record
	err := row.Scan(&r.ID, &r.Name, &r.Address, &r.Locality, &r.Phone, &r.Email, &r.FoundedOn)
	return r, err
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]records.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]records.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func lookupRecord(ctx context.Context, db *sql.DB, t sqlTable, id int64) (records.Record, bool, error) {
	r, err := scanRecord(db.QueryRowContext(ctx, t.lookupQuery(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, err
	}
	return r, true, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

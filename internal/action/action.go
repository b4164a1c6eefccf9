// Package action holds the units of work emitted by exchange adapters.
// Actions are the only way parsed feed data reaches storage, which keeps
// protocol parsing decoupled from persistence.
package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stellarbrain/coindepth/internal/model"
)

// Store is the persistence boundary actions execute against.
type Store interface {
	// Insert batch inserts rows, all of which must share a table.
	Insert(ctx context.Context, rows []model.Row) (int64, error)
	// InsertIgnore batch inserts rows tolerating unique-key conflicts.
	InsertIgnore(ctx context.Context, rows []model.Row) (int64, error)
	// Exists reports whether a row matching the filter exists.
	Exists(ctx context.Context, table string, filter map[string]interface{}) (bool, error)
	// Update applies assignments to every row matching the filter and
	// returns the number of rows updated. Zero is a normal outcome.
	Update(ctx context.Context, table string, filter, assign map[string]interface{}) (int64, error)
}

// Action is a unit of work against the store. Execute returns the
// number of rows affected.
type Action interface {
	Execute(ctx context.Context, store Store) (int64, error)
}

// Insert adds rows to storage. The input set is deduplicated first.
// With CheckDuplicates set, rows whose identity already exists in
// storage are filtered out one by one; DuplicateColumns overrides the
// identity columns used for that check. With IgnoreConflicts set, the
// whole batch goes through a conflict-tolerant bulk insert keyed on
// each entity's unique index instead, which is what concurrent feeds
// racing to insert the same canonical market or coin row need.
type Insert struct {
	Rows             []model.Row
	CheckDuplicates  bool
	DuplicateColumns []string
	IgnoreConflicts  bool
}

// NewInsert is a convenience constructor for a plain insert.
func NewInsert(rows ...model.Row) *Insert {
	return &Insert{Rows: rows}
}

// Execute inserts the distinct rows, honoring the duplicate policy.
func (a *Insert) Execute(ctx context.Context, store Store) (int64, error) {
	rows := distinct(a.Rows)
	if len(rows) == 0 {
		return 0, nil
	}
	if a.IgnoreConflicts {
		return insertGrouped(ctx, store.InsertIgnore, rows)
	}
	if a.CheckDuplicates {
		kept := make([]model.Row, 0, len(rows))
		for _, row := range rows {
			filter, err := a.identityFilter(row)
			if err != nil {
				return 0, err
			}
			exists, err := store.Exists(ctx, row.Table(), filter)
			if err != nil {
				return 0, err
			}
			if !exists {
				kept = append(kept, row)
			}
		}
		rows = kept
		if len(rows) == 0 {
			return 0, nil
		}
	}
	return insertGrouped(ctx, store.Insert, rows)
}

func (a *Insert) identityFilter(row model.Row) (map[string]interface{}, error) {
	columns := a.DuplicateColumns
	if len(columns) == 0 {
		keyed, ok := row.(model.Keyed)
		if !ok {
			return nil, errors.Errorf("%s row has no identity for duplicate check", row.Table())
		}
		columns = keyed.KeyColumns()
	}
	return model.FieldMap(row, columns), nil
}

// distinct drops repeated rows from the input, keeping first occurrence order.
func distinct(rows []model.Row) []model.Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]model.Row, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		key := rowKey(row)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

// rowKey quotes each value so adjacent fields cannot concatenate into
// the same key ("A"+"BC" must not collide with "AB"+"C").
func rowKey(row model.Row) string {
	var sb strings.Builder
	sb.WriteString(row.Table())
	for _, v := range row.Values() {
		fmt.Fprintf(&sb, "|%q", fmt.Sprint(v))
	}
	return sb.String()
}

// insertGrouped batches rows per table since a bulk insert statement
// targets a single table.
func insertGrouped(ctx context.Context, insert func(context.Context, []model.Row) (int64, error), rows []model.Row) (int64, error) {
	var total int64
	byTable := make(map[string][]model.Row)
	order := make([]string, 0, 2)
	for _, row := range rows {
		if _, ok := byTable[row.Table()]; !ok {
			order = append(order, row.Table())
		}
		byTable[row.Table()] = append(byTable[row.Table()], row)
	}
	for _, table := range order {
		n, err := insert(ctx, byTable[table])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Update applies field assignments to every row matching the filter.
// Matching nothing is not an error: a cancel for an order whose open
// was never captured simply updates zero rows.
type Update struct {
	Table  string
	Filter map[string]interface{}
	Assign map[string]interface{}
}

// Execute runs the filtered update and returns the rows updated.
func (a *Update) Execute(ctx context.Context, store Store) (int64, error) {
	return store.Update(ctx, a.Table, a.Filter, a.Assign)
}

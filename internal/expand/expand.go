// Package expand resolves single-hop foreign-key expansions on read
// responses: an expanded column's scalar value is replaced by an object
// embedding the parent record's exposed projection.
package expand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shrike/internal/schema"
	"shrike/internal/store"
)

// ErrInvalidExpansion marks an expand request for a column that is not
// configured as expandable.
var ErrInvalidExpansion = errors.New("expand: column is not expandable")

// Resolver expands foreign-key columns against the record store.
type Resolver struct {
	store *store.Store
}

func New(st *store.Store) *Resolver { return &Resolver{store: st} }

// Parse splits a comma-separated expand parameter and validates each column
// against the table's configured expansions. An empty parameter yields nil.
func (r *Resolver) Parse(snap *schema.Snapshot, table, param string) ([]string, error) {
	if param == "" {
		return nil, nil
	}
	_, cfg, err := snap.Resolve(table)
	if err != nil {
		return nil, err
	}
	var cols []string
	seen := make(map[string]bool)
	for _, c := range strings.Split(param, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !cfg.Expand[c] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidExpansion, c)
		}
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// Apply rewrites the named foreign-key columns of every record in place.
// A resolvable reference becomes {"id": v, "data": {...parent projection...}};
// a dangling one keeps only {"id": v}; NULL references stay null. Parents
// are fetched in one batch per column, never per record.
func (r *Resolver) Apply(ctx context.Context, snap *schema.Snapshot, table string, cols []string, records []map[string]any) error {
	if len(cols) == 0 || len(records) == 0 {
		return nil
	}
	t, _, err := snap.Resolve(table)
	if err != nil {
		return err
	}
	for _, col := range cols {
		fk := t.FK(col)
		if fk == nil {
			return fmt.Errorf("%w: %s", ErrInvalidExpansion, col)
		}
		parents, err := r.fetchParents(ctx, snap, fk, records, col)
		if err != nil {
			return err
		}
		for _, rec := range records {
			v := rec[col]
			if v == nil {
				continue
			}
			ref := map[string]any{"id": v}
			if data, ok := parents[keyOf(v)]; ok {
				ref["data"] = data
			}
			rec[col] = ref
		}
	}
	return nil
}

// fetchParents loads the distinct referenced parent rows keyed by the parent
// column value's string form.
func (r *Resolver) fetchParents(ctx context.Context, snap *schema.Snapshot, fk *schema.ForeignKey, records []map[string]any, col string) (map[string]map[string]any, error) {
	var ids []any
	seen := make(map[string]bool)
	for _, rec := range records {
		v := rec[col]
		if v == nil {
			continue
		}
		k := keyOf(v)
		if !seen[k] {
			seen[k] = true
			ids = append(ids, v)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pt := snap.Table(fk.ParentTable)
	if pt == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExpansion, col)
	}
	// the parent's own exposure controls which columns leak through the
	// expansion; a parent without an API config contributes its key only
	projection := []string{fk.ParentColumn}
	if pcfg := snap.Config(fk.ParentTable); pcfg != nil {
		projection = pcfg.Exposed
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		identList(projection), quote(fk.ParentTable), quote(fk.ParentColumn),
		strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))
	names, tuples, err := r.store.Query(ctx, stmt, ids...)
	if err != nil {
		return nil, err
	}

	keyIdx := -1
	for i, n := range names {
		if n == fk.ParentColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("expand: parent projection of %s misses %s", fk.ParentTable, fk.ParentColumn)
	}

	out := make(map[string]map[string]any, len(tuples))
	for _, tuple := range tuples {
		data := make(map[string]any, len(names))
		for i, n := range names {
			data[n] = tuple[i]
		}
		out[keyOf(tuple[keyIdx])] = data
	}
	return out, nil
}

func keyOf(v any) string { return fmt.Sprintf("%v", v) }

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func identList(cols []string) string {
	qs := make([]string, len(cols))
	for i, c := range cols {
		qs[i] = quote(c)
	}
	return strings.Join(qs, ", ")
}

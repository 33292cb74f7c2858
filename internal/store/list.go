package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"shrike/internal/schema"
)

const (
	// DefaultLimit applies when the caller does not pass one.
	DefaultLimit = 50
	// MaxLimit caps the page size regardless of what the caller asks for.
	MaxLimit = 1024
)

// Filter is one predicate on an exposed column. Raw carries the unparsed
// query-string values; coercion to the column type happens inside List.
type Filter struct {
	Column string
	Op     string
	Raw    []string
}

// OrderKey is one ORDER BY component.
type OrderKey struct {
	Column string
	Desc   bool
}

// ListOptions selects and orders a page of records. OwnerIdentity, when set
// on a table with an owner column, restricts the listing to that identity's
// records; unlike Filters it is not subject to the exposure check.
type ListOptions struct {
	Filters       []Filter
	Order         []OrderKey
	Limit         int
	Cursor        string
	OwnerIdentity string
}

// Page is one page of list results. Cursor is empty when the listing is
// exhausted.
type Page struct {
	Records []map[string]any
	Cursor  string
}

var filterOps = map[string]string{
	"eq":  "=",
	"lt":  "<",
	"lte": "<=",
	"gt":  ">",
	"gte": ">=",
}

// List returns one page ordered by opts.Order with the primary key appended
// as the final ascending tiebreak, so pagination is stable under concurrent
// inserts. The cursor is a keyset over the last row's sort-key values, not
// an offset: already-delivered rows never repeat and new rows never shift
// the page boundary.
func (s *Store) List(ctx context.Context, snap *schema.Snapshot, table string, opts ListOptions) (*Page, error) {
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	order, ferr := canonicalOrder(t, cfg, opts.Order)
	if ferr != nil {
		return nil, &ValidationError{Fields: []FieldError{*ferr}}
	}

	where, args, ferr := buildFilters(t, cfg, opts.Filters)
	if ferr != nil {
		return nil, &ValidationError{Fields: []FieldError{*ferr}}
	}
	if opts.OwnerIdentity != "" && cfg.OwnerColumn != "" {
		where = append(where, quoteIdent(cfg.OwnerColumn)+" = ?")
		args = append(args, opts.OwnerIdentity)
	}

	if opts.Cursor != "" {
		keys, ferr := decodeCursor(t, order, opts.Cursor)
		if ferr != nil {
			return nil, &ValidationError{Fields: []FieldError{*ferr}}
		}
		pred, predArgs := keysetPredicate(order, keys)
		where = append(where, pred)
		args = append(args, predArgs...)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", selectList(cfg.Exposed), quoteIdent(table))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	for i, k := range order {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(k.Column))
		if k.Desc {
			sb.WriteString(" DESC")
		}
	}
	// fetch one extra row to learn whether a next page exists
	fmt.Fprintf(&sb, " LIMIT %d", limit+1)

	rows, err := s.db.Reader.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("list "+table, err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]map[string]any, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows, cfg.Exposed)
		if err != nil {
			return nil, classify("list "+table, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list "+table, err)
	}

	page := &Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		last := page.Records[limit-1]
		cur, err := encodeCursor(order, last)
		if err != nil {
			return nil, &StoreError{Op: "list " + table, Err: err}
		}
		page.Cursor = cur
	}
	return page, nil
}

// Count returns the number of records matching the filters, honoring the
// same owner scoping as List.
func (s *Store) Count(ctx context.Context, snap *schema.Snapshot, table string, opts ListOptions) (int64, error) {
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return 0, err
	}
	where, args, ferr := buildFilters(t, cfg, opts.Filters)
	if ferr != nil {
		return 0, &ValidationError{Fields: []FieldError{*ferr}}
	}
	if opts.OwnerIdentity != "" && cfg.OwnerColumn != "" {
		where = append(where, quoteIdent(cfg.OwnerColumn)+" = ?")
		args = append(args, opts.OwnerIdentity)
	}
	stmt := "SELECT COUNT(*) FROM " + quoteIdent(table)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	var n int64
	if err := s.db.Reader.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, classify("count "+table, err)
	}
	return n, nil
}

// canonicalOrder validates the requested keys and appends the primary key
// ascending unless the caller already ordered by it.
func canonicalOrder(t *schema.Table, cfg *schema.APIConfig, keys []OrderKey) ([]OrderKey, *FieldError) {
	out := make([]OrderKey, 0, len(keys)+1)
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if t.Column(k.Column) == nil || !cfg.Exposes(k.Column) {
			return nil, fieldErr(ErrCodeUnknownField, k.Column, "cannot order by this column")
		}
		if seen[k.Column] {
			return nil, fieldErr(ErrCodeUnknownField, k.Column, "duplicate order column")
		}
		seen[k.Column] = true
		out = append(out, k)
	}
	if !seen[t.PK] {
		out = append(out, OrderKey{Column: t.PK})
	}
	return out, nil
}

func buildFilters(t *schema.Table, cfg *schema.APIConfig, filters []Filter) (where []string, args []any, ferr *FieldError) {
	for _, f := range filters {
		col := t.Column(f.Column)
		if col == nil || !cfg.Exposes(f.Column) {
			return nil, nil, fieldErr(ErrCodeUnknownField, f.Column, "cannot filter on this column")
		}
		if f.Op == "in" {
			if len(f.Raw) == 0 {
				return nil, nil, fieldErr(ErrCodeTypeMismatch, f.Column, "in filter needs at least one value")
			}
			ph := make([]string, len(f.Raw))
			for i, raw := range f.Raw {
				v, fe := coerceQueryParam(col, raw)
				if fe != nil {
					return nil, nil, fe
				}
				ph[i] = "?"
				args = append(args, v)
			}
			where = append(where, fmt.Sprintf("%s IN (%s)", quoteIdent(f.Column), strings.Join(ph, ", ")))
			continue
		}
		op, ok := filterOps[f.Op]
		if !ok {
			return nil, nil, fieldErr(ErrCodeTypeMismatch, f.Column, fmt.Sprintf("unknown filter op %q", f.Op))
		}
		if len(f.Raw) != 1 {
			return nil, nil, fieldErr(ErrCodeTypeMismatch, f.Column, "filter needs exactly one value")
		}
		v, fe := coerceQueryParam(col, f.Raw[0])
		if fe != nil {
			return nil, nil, fe
		}
		where = append(where, fmt.Sprintf("%s %s ?", quoteIdent(f.Column), op))
		args = append(args, v)
	}
	return where, args, nil
}

// keysetPredicate expands the cursor keys into the standard strict-after
// disjunction: (k1 after v1) OR (k1 = v1 AND k2 after v2) OR ... . NULLs
// sort first in SQLite, so "after NULL" ascending means IS NOT NULL and
// "after v" descending also admits NULL.
func keysetPredicate(order []OrderKey, keys []any) (string, []any) {
	var branches []string
	var args []any
	for i := range order {
		var parts []string
		for j := 0; j < i; j++ {
			eq, eqArgs := eqExpr(order[j].Column, keys[j])
			parts = append(parts, eq)
			args = append(args, eqArgs...)
		}
		after, afterArgs := afterExpr(order[i], keys[i])
		parts = append(parts, after)
		args = append(args, afterArgs...)
		branches = append(branches, "("+strings.Join(parts, " AND ")+")")
	}
	return "(" + strings.Join(branches, " OR ") + ")", args
}

func eqExpr(col string, v any) (string, []any) {
	if v == nil {
		return quoteIdent(col) + " IS NULL", nil
	}
	return quoteIdent(col) + " = ?", []any{v}
}

func afterExpr(k OrderKey, v any) (string, []any) {
	c := quoteIdent(k.Column)
	if k.Desc {
		if v == nil {
			// nothing sorts after NULL in descending order
			return "1 = 0", nil
		}
		return "(" + c + " < ? OR " + c + " IS NULL)", []any{v}
	}
	if v == nil {
		return c + " IS NOT NULL", nil
	}
	return c + " > ?", []any{v}
}

// encodeCursor packs the last row's sort-key values (wire form) as
// base64(JSON array).
func encodeCursor(order []OrderKey, last map[string]any) (string, error) {
	keys := make([]any, len(order))
	for i, k := range order {
		keys[i] = last[k.Column]
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor unpacks a cursor and coerces each key back to its column's
// storage type. Any mismatch with the requested order invalidates it.
func decodeCursor(t *schema.Table, order []OrderKey, cursor string) ([]any, *FieldError) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fieldErr(ErrCodeTypeMismatch, "cursor", "malformed cursor")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var keys []any
	if err := dec.Decode(&keys); err != nil || len(keys) != len(order) {
		return nil, fieldErr(ErrCodeTypeMismatch, "cursor", "cursor does not match the requested order")
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		if k == nil {
			out[i] = nil
			continue
		}
		col := t.Column(order[i].Column)
		v, ferr := coerceCursorKey(col, k)
		if ferr != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, "cursor", "cursor does not match the requested order")
		}
		out[i] = v
	}
	return out, nil
}

func coerceCursorKey(col *schema.Column, k any) (any, *FieldError) {
	switch col.Type {
	case schema.TypeInteger:
		n, ok := k.(json.Number)
		if !ok {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
		}
		return i, nil
	case schema.TypeReal:
		n, ok := k.(json.Number)
		if !ok {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected number")
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected number")
		}
		return f, nil
	case schema.TypeText:
		s, ok := k.(string)
		if !ok {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected string")
		}
		return s, nil
	case schema.TypeBlob:
		s, ok := k.(string)
		if !ok {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected base64 string")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected base64 string")
		}
		return b, nil
	}
	return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "unsupported column type")
}

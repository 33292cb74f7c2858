// Package schema maintains the active snapshot of introspected table schemas
// and record API configurations. Snapshots are immutable; Reload swaps the
// whole snapshot atomically so in-flight requests never observe a partial
// reload.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync/atomic"

	"shrike/internal/config"
)

// ErrUnknownTable is returned when a name does not resolve to a registered
// record API. Schema-resolution misses are not authorization failures.
var ErrUnknownTable = errors.New("unknown table")

// Issue is a blocking configuration problem found while building a snapshot.
type Issue struct {
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LintError carries all issues that blocked a load or reload.
type LintError struct {
	Issues []Issue
}

func (e *LintError) Error() string {
	return fmt.Sprintf("api config has %d blocking issue(s)", len(e.Issues))
}

// Snapshot is one consistent view of schemas plus API configs. tables holds
// every qualifying table (and configured view), configs only those exposed
// through the record API.
type Snapshot struct {
	tables   map[string]*Table
	configs  map[string]*APIConfig
	children map[string][]ChildRef
}

// Table returns the introspected table or view, nil when absent. Includes
// qualifying tables that have no API config (cascade and expansion targets).
func (s *Snapshot) Table(name string) *Table { return s.tables[name] }

// Config returns the API config for an exposed table, nil when absent.
func (s *Snapshot) Config(name string) *APIConfig { return s.configs[name] }

// Children returns the foreign keys of other qualifying tables that reference
// the named table.
func (s *Snapshot) Children(table string) []ChildRef { return s.children[table] }

// Resolve returns the schema and API config for an exposed table or view.
func (s *Snapshot) Resolve(name string) (*Table, *APIConfig, error) {
	cfg := s.configs[name]
	if cfg == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return s.tables[name], cfg, nil
}

// Exposed returns the names of tables with an API config, sorted.
func (s *Snapshot) Exposed() []string {
	out := make([]string, 0, len(s.configs))
	for name := range s.configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry resolves table names against the active snapshot.
type Registry struct {
	db  *sql.DB
	cur atomic.Pointer[Snapshot]
}

// New introspects the database and builds the initial snapshot.
func New(ctx context.Context, db *sql.DB, apis []config.TableAPI) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.Reload(ctx, apis); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the active snapshot. The result is read-only and safe to
// share across goroutines.
func (r *Registry) Snapshot() *Snapshot { return r.cur.Load() }

// Resolve returns the schema and API config for an exposed table or view
// from the active snapshot.
func (r *Registry) Resolve(name string) (*Table, *APIConfig, error) {
	return r.cur.Load().Resolve(name)
}

// Reload re-introspects the database, rebuilds configs and swaps the active
// snapshot. On any error the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context, apis []config.TableAPI) error {
	snap, err := introspect(ctx, r.db, apis)
	if err != nil {
		return err
	}
	r.cur.Store(snap)
	return nil
}

var strictRe = regexp.MustCompile(`(?is)\)\s*(?:WITHOUT\s+ROWID\s*,?\s*)?(?:,\s*)?STRICT\b`)

func introspect(ctx context.Context, db *sql.DB, apis []config.TableAPI) (*Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type, COALESCE(sql,'') FROM sqlite_schema
		 WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("read sqlite_schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type entry struct {
		name, kind, sql string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.name, &e.kind, &e.sql); err != nil {
			return nil, fmt.Errorf("scan sqlite_schema: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sqlite_schema: %w", err)
	}

	wantView := make(map[string]bool, len(apis))
	for _, a := range apis {
		wantView[a.Table] = true
	}

	snap := &Snapshot{
		tables:   make(map[string]*Table),
		configs:  make(map[string]*APIConfig),
		children: make(map[string][]ChildRef),
	}

	for _, e := range entries {
		switch e.kind {
		case "table":
			if !strictRe.MatchString(e.sql) {
				log.Printf("schema: skipping %s: not a STRICT table", e.name)
				continue
			}
			t, reason, err := introspectTable(ctx, db, e.name, false)
			if err != nil {
				return nil, err
			}
			if t == nil {
				log.Printf("schema: skipping %s: %s", e.name, reason)
				continue
			}
			snap.tables[e.name] = t
		case "view":
			// views only enter the registry when an API config names them
			if !wantView[e.name] {
				continue
			}
			t, reason, err := introspectTable(ctx, db, e.name, true)
			if err != nil {
				return nil, err
			}
			if t == nil {
				log.Printf("schema: skipping view %s: %s", e.name, reason)
				continue
			}
			snap.tables[e.name] = t
		}
	}

	for name, t := range snap.tables {
		for _, fk := range t.FKs {
			snap.children[fk.ParentTable] = append(snap.children[fk.ParentTable], ChildRef{Table: name, FK: fk})
		}
	}
	for _, refs := range snap.children {
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].Table != refs[j].Table {
				return refs[i].Table < refs[j].Table
			}
			return refs[i].FK.Column < refs[j].FK.Column
		})
	}

	issues := lintTables(snap)
	for _, a := range apis {
		cfg, is := buildConfig(snap, a)
		issues = append(issues, is...)
		if cfg != nil && len(is) == 0 {
			snap.configs[a.Table] = cfg
		}
	}
	if len(issues) > 0 {
		return nil, &LintError{Issues: issues}
	}
	return snap, nil
}

// lintTables checks structural problems across every registered table, not
// just the configured ones. A SET NULL action on a NOT NULL column would make
// every delete of the parent fail, so it blocks the load outright.
func lintTables(snap *Snapshot) []Issue {
	var issues []Issue
	for name, t := range snap.tables {
		for _, fk := range t.FKs {
			if fk.OnDelete != DeleteSetNull {
				continue
			}
			if c := t.Column(fk.Column); c != nil && c.NotNull {
				issues = append(issues, Issue{
					Table:   name,
					Column:  fk.Column,
					Code:    "set_null_not_null",
					Message: "ON DELETE SET NULL on a NOT NULL column can never succeed",
				})
			}
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Table != issues[j].Table {
			return issues[i].Table < issues[j].Table
		}
		return issues[i].Column < issues[j].Column
	})
	return issues
}

func introspectTable(ctx context.Context, db *sql.DB, name string, view bool) (*Table, string, error) {
	t := &Table{Name: name, View: view}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
	if err != nil {
		return nil, "", fmt.Errorf("table_info %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	pkCols := 0
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, "", fmt.Errorf("table_info %s: %w", name, err)
		}
		ct, ok := parseColType(colType)
		if !ok {
			return nil, fmt.Sprintf("column %s has type %s", colName, colType), nil
		}
		col := Column{Name: colName, Type: ct, NotNull: notNull != 0, PK: pk != 0}
		if dflt.Valid {
			v := dflt.String
			col.Default = &v
		}
		t.Columns = append(t.Columns, col)
		if pk != 0 {
			pkCols++
			t.PK = colName
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("table_info %s: %w", name, err)
	}
	if len(t.Columns) == 0 {
		return nil, "no columns", nil
	}

	if view {
		// read-only surface: require an id column to key reads by
		if c := t.Column("id"); c != nil {
			t.PK = "id"
			if c.Type == TypeInteger {
				t.PKKind = PKInteger
			} else {
				t.PKKind = PKUUID
			}
		} else {
			return nil, "no id column", nil
		}
		return t, "", nil
	}

	if pkCols != 1 {
		return nil, "primary key is not a single column", nil
	}
	switch t.Column(t.PK).Type {
	case TypeInteger:
		t.PKKind = PKInteger
	case TypeText:
		t.PKKind = PKUUID
	default:
		return nil, "primary key is not INTEGER or TEXT", nil
	}

	if err := readForeignKeys(ctx, db, t); err != nil {
		return nil, "", err
	}
	if err := readUniques(ctx, db, t); err != nil {
		return nil, "", err
	}
	return t, "", nil
}

func readForeignKeys(ctx context.Context, db *sql.DB, t *Table) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", t.Name))
	if err != nil {
		return fmt.Errorf("foreign_key_list %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()

	composite := make(map[int]bool)
	var fks []struct {
		id int
		fk ForeignKey
	}
	for rows.Next() {
		var (
			id, seq          int
			parent, from     string
			to               sql.NullString
			onUpdate, onDel  string
			match            string
		)
		if err := rows.Scan(&id, &seq, &parent, &from, &to, &onUpdate, &onDel, &match); err != nil {
			return fmt.Errorf("foreign_key_list %s: %w", t.Name, err)
		}
		if seq > 0 {
			composite[id] = true
			continue
		}
		parentCol := to.String
		if parentCol == "" {
			parentCol = "id" // references the parent's implicit primary key
		}
		fks = append(fks, struct {
			id int
			fk ForeignKey
		}{id, ForeignKey{Column: from, ParentTable: parent, ParentColumn: parentCol, OnDelete: parseDeleteAction(onDel)}})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("foreign_key_list %s: %w", t.Name, err)
	}
	for _, f := range fks {
		if composite[f.id] {
			// composite foreign keys are outside the record API model
			continue
		}
		t.FKs = append(t.FKs, f.fk)
	}
	return nil
}

func readUniques(ctx context.Context, db *sql.DB, t *Table) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%q)", t.Name))
	if err != nil {
		return fmt.Errorf("index_list %s: %w", t.Name, err)
	}
	type idx struct{ name string }
	var idxs []idx
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			_ = rows.Close()
			return fmt.Errorf("index_list %s: %w", t.Name, err)
		}
		if unique == 1 && partial == 0 {
			idxs = append(idxs, idx{name})
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("index_list %s: %w", t.Name, err)
	}
	_ = rows.Close()

	for _, ix := range idxs {
		cols, err := indexColumns(ctx, db, ix.name)
		if err != nil {
			return err
		}
		if len(cols) > 0 {
			t.Uniques = append(t.Uniques, cols)
		}
	}
	return nil
}

func indexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%q)", index))
	if err != nil {
		return nil, fmt.Errorf("index_info %s: %w", index, err)
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("index_info %s: %w", index, err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func buildConfig(snap *Snapshot, a config.TableAPI) (*APIConfig, []Issue) {
	var issues []Issue
	fail := func(column, code, msg string) {
		issues = append(issues, Issue{Table: a.Table, Column: column, Code: code, Message: msg})
	}

	t := snap.tables[a.Table]
	if t == nil {
		fail("", "unknown_table", "table is absent from the registry (missing, not STRICT, or no qualifying primary key)")
		return nil, issues
	}

	cfg := &APIConfig{
		Table:       a.Table,
		World:       make(map[Operation]bool),
		Authed:      make(map[Operation]bool),
		Owner:       make(map[Operation]bool),
		OwnerColumn: a.OwnerColumn,
		Expand:      make(map[string]bool),
		exposed:     make(map[string]bool),
	}

	parseACL := func(dst map[Operation]bool, list []string) {
		for _, s := range list {
			op, err := parseOperation(s)
			if err != nil {
				fail("", "acl_unknown_op", err.Error())
				continue
			}
			dst[op] = true
		}
	}
	parseACL(cfg.World, a.ACLWorld)
	parseACL(cfg.Authed, a.ACLAuthenticated)
	parseACL(cfg.Owner, a.ACLOwner)

	if t.View {
		for _, m := range []map[Operation]bool{cfg.World, cfg.Authed, cfg.Owner} {
			for op := range m {
				if op != OpRead && op != OpList {
					fail("", "view_not_read_only", fmt.Sprintf("view grants %s; views are read-only", op))
				}
			}
		}
	}

	if len(cfg.Owner) > 0 {
		if a.OwnerColumn == "" {
			fail("", "owner_column_missing", "acl_owner requires owner_column")
		} else if c := t.Column(a.OwnerColumn); c == nil {
			fail(a.OwnerColumn, "owner_column_unknown", "owner_column does not exist")
		} else if c.Type != TypeText {
			fail(a.OwnerColumn, "owner_column_type", "owner_column must be a TEXT column")
		}
	}

	// exposed allowlist; default is every column, the primary key always rides along
	if len(a.Exposed) == 0 {
		for _, c := range t.Columns {
			cfg.Exposed = append(cfg.Exposed, c.Name)
			cfg.exposed[c.Name] = true
		}
	} else {
		if !contains(a.Exposed, t.PK) {
			cfg.Exposed = append(cfg.Exposed, t.PK)
			cfg.exposed[t.PK] = true
		}
		for _, name := range a.Exposed {
			if t.Column(name) == nil {
				fail(name, "exposed_unknown_column", "exposed column does not exist")
				continue
			}
			if !cfg.exposed[name] {
				cfg.Exposed = append(cfg.Exposed, name)
				cfg.exposed[name] = true
			}
		}
	}

	for _, name := range a.Expand {
		fk := t.FK(name)
		if fk == nil {
			fail(name, "expand_not_fk", "expand column is not a foreign key")
			continue
		}
		if !cfg.exposed[name] {
			fail(name, "expand_not_exposed", "expand column is not exposed")
			continue
		}
		parent := snap.tables[fk.ParentTable]
		if parent == nil {
			fail(name, "expand_parent_unknown", fmt.Sprintf("parent table %s is not registered", fk.ParentTable))
			continue
		}
		cfg.Expand[name] = true
	}

	return cfg, issues
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

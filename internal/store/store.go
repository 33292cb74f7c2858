// Package store executes record CRUD against the SQLite backend inside
// transactions and publishes change events for committed mutations.
//
// Writer transactions serialize through the store: the write mutex is held
// from BEGIN IMMEDIATE through commit and event publication, so events are
// published in commit order and publication itself never blocks (the notify
// manager drops to eviction instead).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"shrike/internal/metrics"
	"shrike/internal/notify"
	"shrike/internal/schema"
)

// Store is the record store over one database.
type Store struct {
	db       *DB
	reg      *schema.Registry
	notifier *notify.Manager

	writeMu sync.Mutex
}

// New constructs a store. notifier may be nil in tests that do not exercise
// change propagation.
func New(db *DB, reg *schema.Registry, notifier *notify.Manager) *Store {
	return &Store{db: db, reg: reg, notifier: notifier}
}

// Registry returns the schema registry the store resolves against.
func (s *Store) Registry() *schema.Registry { return s.reg }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func selectList(cols []string) string {
	qs := make([]string, len(cols))
	for i, c := range cols {
		qs[i] = quoteIdent(c)
	}
	return strings.Join(qs, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row into the wire representation keyed by cols.
func scanRecord(sc rowScanner, cols []string) (map[string]any, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := sc.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(map[string]any, len(cols))
	for i, c := range cols {
		rec[c] = coerceScan(raw[i])
	}
	return rec, nil
}

type pendingEvent struct {
	table string
	id    string
	kind  notify.Kind
	value map[string]any
}

func (s *Store) publish(events []pendingEvent) {
	if s.notifier == nil {
		return
	}
	for _, ev := range events {
		s.notifier.Publish(ev.table, ev.id, ev.kind, ev.value)
	}
}

// guardWritable rejects mutations on views before anything else runs.
func guardWritable(t *schema.Table) error {
	if t.View {
		return &ValidationError{Fields: []FieldError{
			{Code: ErrCodeReadOnly, Field: t.Name, Message: "views are read-only"},
		}}
	}
	return nil
}

// Create validates values against the schema and inserts the record in a
// single writer transaction. It returns the stored record's exposed
// projection; the new id is the value of the primary key column.
func (s *Store) Create(ctx context.Context, snap *schema.Snapshot, table string, values map[string]any) (map[string]any, error) {
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return nil, err
	}
	if err := guardWritable(t); err != nil {
		return nil, err
	}

	var fieldErrs []FieldError

	// unknown and non-exposed column names are rejected up front
	for name := range values {
		col := t.Column(name)
		if col == nil {
			fieldErrs = append(fieldErrs, *fieldErr(ErrCodeUnknownField, name, "unknown column"))
			continue
		}
		if !cfg.Exposes(name) {
			fieldErrs = append(fieldErrs, *fieldErr(ErrCodeReadOnly, name, "column is not exposed"))
		}
	}

	var insertCols []string
	var args []any
	for i := range t.Columns {
		col := &t.Columns[i]
		raw, present := values[col.Name]
		if !present {
			if col.PK && t.PKKind == schema.PKUUID {
				id, err := uuid.NewV7()
				if err != nil {
					return nil, &StoreError{Op: "create " + table, Err: err}
				}
				insertCols = append(insertCols, col.Name)
				args = append(args, id.String())
			} else if !col.PK && col.NotNull && col.Default == nil {
				fieldErrs = append(fieldErrs, *fieldErr(ErrCodeRequired, col.Name, "column is required"))
			}
			continue
		}
		v, ferr := CoerceJSON(col, raw)
		if ferr != nil {
			fieldErrs = append(fieldErrs, *ferr)
			continue
		}
		if col.PK {
			if ferr := validatePKValue(t, v); ferr != nil {
				fieldErrs = append(fieldErrs, *ferr)
				continue
			}
		}
		insertCols = append(insertCols, col.Name)
		args = append(args, v.Arg())
	}
	if len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	var stmt string
	if len(insertCols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s",
			quoteIdent(table), selectList(cfg.Exposed))
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			quoteIdent(table), selectList(insertCols), placeholders, selectList(cfg.Exposed))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.writeFailed("create "+table, err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, stmt, args...), cfg.Exposed)
	if err != nil {
		_ = tx.Rollback()
		return nil, s.writeFailed("create "+table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.writeFailed("create "+table, err)
	}

	metrics.WriteTransactions.WithLabelValues(table, "create").Inc()
	s.publish([]pendingEvent{{table: table, id: formatPK(rec[t.PK]), kind: notify.KindCreate, value: rec}})
	return rec, nil
}

// Read returns the exposed projection of one record.
func (s *Store) Read(ctx context.Context, snap *schema.Snapshot, table, id string) (map[string]any, error) {
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return nil, err
	}
	pk, err := parsePK(t, id)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		selectList(cfg.Exposed), quoteIdent(table), quoteIdent(t.PK))
	rec, err := scanRecord(s.db.Reader.QueryRowContext(ctx, stmt, pk), cfg.Exposed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Table: table, ID: id}
	}
	if err != nil {
		return nil, classify("read "+table, err)
	}
	return rec, nil
}

// arithmetic patch operators: {"$inc": n} compiles to SET col = col + ?
var arithOps = map[string]string{
	"$inc": "+",
	"$dec": "-",
	"$mul": "*",
}

// Update applies a patch of changed columns as one UPDATE ... RETURNING
// statement inside a writer transaction. Value-relative operators mutate in
// place; there is no read-modify-write round trip, so concurrent callers
// never lose updates.
func (s *Store) Update(ctx context.Context, snap *schema.Snapshot, table, id string, patch map[string]any) (map[string]any, error) {
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return nil, err
	}
	if err := guardWritable(t); err != nil {
		return nil, err
	}
	pk, err := parsePK(t, id)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, &ValidationError{Fields: []FieldError{
			{Code: ErrCodeRequired, Field: "", Message: "patch is empty"},
		}}
	}

	names := make([]string, 0, len(patch))
	for name := range patch {
		names = append(names, name)
	}
	sort.Strings(names)

	var fieldErrs []FieldError
	var sets []string
	var args []any
	for _, name := range names {
		col := t.Column(name)
		if col == nil {
			fieldErrs = append(fieldErrs, *fieldErr(ErrCodeUnknownField, name, "unknown column"))
			continue
		}
		if !cfg.Exposes(name) {
			fieldErrs = append(fieldErrs, *fieldErr(ErrCodeReadOnly, name, "column is not exposed"))
			continue
		}
		if col.PK {
			fieldErrs = append(fieldErrs, *fieldErr(ErrCodeReadOnly, name, "primary key is immutable"))
			continue
		}

		raw := patch[name]
		if opnd, sqlOp, ok := arithOperand(raw); ok {
			if col.Type != schema.TypeInteger && col.Type != schema.TypeReal {
				fieldErrs = append(fieldErrs, *fieldErr(ErrCodeTypeMismatch, name, "arithmetic ops require an INTEGER or REAL column"))
				continue
			}
			v, ferr := CoerceJSON(col, opnd)
			if ferr != nil {
				fieldErrs = append(fieldErrs, *ferr)
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = %s %s ?", quoteIdent(name), quoteIdent(name), sqlOp))
			args = append(args, v.Arg())
			continue
		}

		v, ferr := CoerceJSON(col, raw)
		if ferr != nil {
			fieldErrs = append(fieldErrs, *ferr)
			continue
		}
		sets = append(sets, quoteIdent(name)+" = ?")
		args = append(args, v.Arg())
	}
	if len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? RETURNING %s",
		quoteIdent(table), strings.Join(sets, ", "), quoteIdent(t.PK), selectList(cfg.Exposed))
	args = append(args, pk)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.writeFailed("update "+table, err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, stmt, args...), cfg.Exposed)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, &NotFoundError{Table: table, ID: id}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, s.writeFailed("update "+table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.writeFailed("update "+table, err)
	}

	metrics.WriteTransactions.WithLabelValues(table, "update").Inc()
	s.publish([]pendingEvent{{table: table, id: id, kind: notify.KindUpdate, value: rec}})
	return rec, nil
}

// arithOperand recognizes a single-operator object like {"$inc": 1}.
func arithOperand(raw any) (operand any, sqlOp string, ok bool) {
	m, isMap := raw.(map[string]any)
	if !isMap || len(m) != 1 {
		return nil, "", false
	}
	for k, v := range m {
		if op, known := arithOps[k]; known {
			return v, op, true
		}
	}
	return nil, "", false
}

// Delete removes a record, enforcing each child foreign key's declared
// on-delete action explicitly inside the same transaction: cascade deletes
// depth-first (emitting the children's own change events), set-null patches
// the child column, restrict and no-action refuse while live children exist.
func (s *Store) Delete(ctx context.Context, snap *schema.Snapshot, table, id string) error {
	t, _, err := snap.Resolve(table)
	if err != nil {
		return err
	}
	if err := guardWritable(t); err != nil {
		return err
	}
	pk, err := parsePK(t, id)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return s.writeFailed("delete "+table, err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", quoteIdent(table), quoteIdent(t.PK)), pk,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return &NotFoundError{Table: table, ID: id}
	}
	if err != nil {
		_ = tx.Rollback()
		return s.writeFailed("delete "+table, err)
	}

	var events []pendingEvent
	visited := make(map[string]bool)
	if err := s.deleteTx(ctx, tx, snap, t, pk, id, visited, &events); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrBusy) {
			metrics.BusyRejections.Inc()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.writeFailed("delete "+table, err)
	}

	metrics.WriteTransactions.WithLabelValues(table, "delete").Inc()
	s.publish(events)
	return nil
}

// deleteTx deletes one record inside tx, recursing into cascade children
// first so their events precede the parent's tombstone.
func (s *Store) deleteTx(ctx context.Context, tx *sql.Tx, snap *schema.Snapshot, t *schema.Table, pk any, id string, visited map[string]bool, events *[]pendingEvent) error {
	key := t.Name + "\x00" + id
	if visited[key] {
		return nil
	}
	visited[key] = true

	for _, child := range snap.Children(t.Name) {
		ct := snap.Table(child.Table)
		if ct == nil {
			continue
		}
		fkCol := quoteIdent(child.FK.Column)
		switch child.FK.OnDelete {
		case schema.DeleteCascade:
			rows, err := tx.QueryContext(ctx,
				fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteIdent(ct.PK), quoteIdent(ct.Name), fkCol), pk)
			if err != nil {
				return classify("delete cascade "+ct.Name, err)
			}
			var childPKs []any
			for rows.Next() {
				var cpk any
				if err := rows.Scan(&cpk); err != nil {
					_ = rows.Close()
					return classify("delete cascade "+ct.Name, err)
				}
				childPKs = append(childPKs, cpk)
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return classify("delete cascade "+ct.Name, err)
			}
			_ = rows.Close()
			for _, cpk := range childPKs {
				if err := s.deleteTx(ctx, tx, snap, ct, cpk, formatPK(cpk), visited, events); err != nil {
					return err
				}
			}
		case schema.DeleteSetNull:
			if ccfg := snap.Config(ct.Name); ccfg != nil {
				stmt := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ? RETURNING %s",
					quoteIdent(ct.Name), fkCol, fkCol, selectList(ccfg.Exposed))
				rows, err := tx.QueryContext(ctx, stmt, pk)
				if err != nil {
					return classify("delete set-null "+ct.Name, err)
				}
				for rows.Next() {
					rec, err := scanRecord(rows, ccfg.Exposed)
					if err != nil {
						_ = rows.Close()
						return classify("delete set-null "+ct.Name, err)
					}
					*events = append(*events, pendingEvent{
						table: ct.Name, id: formatPK(rec[ct.PK]), kind: notify.KindUpdate, value: rec,
					})
				}
				if err := rows.Err(); err != nil {
					_ = rows.Close()
					return classify("delete set-null "+ct.Name, err)
				}
				_ = rows.Close()
			} else {
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?", quoteIdent(ct.Name), fkCol, fkCol), pk); err != nil {
					return classify("delete set-null "+ct.Name, err)
				}
			}
		default: // restrict, no-action
			var n int
			if err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", quoteIdent(ct.Name), fkCol), pk,
			).Scan(&n); err != nil {
				return classify("delete "+t.Name, err)
			}
			if n > 0 {
				return &ConflictError{Fields: []FieldError{{
					Code:    ErrCodeFKInUse,
					Field:   child.FK.Column,
					Message: fmt.Sprintf("record is referenced by %s.%s", ct.Name, child.FK.Column),
				}}}
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(t.Name), quoteIdent(t.PK)), pk); err != nil {
		return classify("delete "+t.Name, err)
	}
	if snap.Config(t.Name) != nil {
		*events = append(*events, pendingEvent{table: t.Name, id: id, kind: notify.KindDelete})
	}
	return nil
}

// writeFailed classifies a writer-path error and counts busy rejections.
func (s *Store) writeFailed(op string, err error) error {
	mapped := classify(op, err)
	if errors.Is(mapped, ErrBusy) {
		metrics.BusyRejections.Inc()
	}
	return mapped
}

// ReadOwner fetches the owner-column value of one record for ACL evaluation
// against the active snapshot.
func (s *Store) ReadOwner(ctx context.Context, table, id string) (string, error) {
	snap := s.reg.Snapshot()
	t, cfg, err := snap.Resolve(table)
	if err != nil {
		return "", err
	}
	if cfg.OwnerColumn == "" {
		return "", nil
	}
	pk, err := parsePK(t, id)
	if err != nil {
		return "", err
	}
	var owner sql.NullString
	err = s.db.Reader.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteIdent(cfg.OwnerColumn), quoteIdent(table), quoteIdent(t.PK)), pk,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &NotFoundError{Table: table, ID: id}
	}
	if err != nil {
		return "", classify("read owner "+table, err)
	}
	return owner.String, nil
}

// Query runs a parameterized read statement on the reader pool and returns
// the column names and row tuples. This is the collaborator entry point for
// custom handlers; it bypasses ACLs and is never routed publicly.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) ([]string, [][]any, error) {
	rows, err := s.db.Reader.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, classify("query", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, classify("query", err)
	}
	var out [][]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, classify("query", err)
		}
		tuple := make([]any, len(cols))
		for i := range raw {
			tuple[i] = coerceScan(raw[i])
		}
		out = append(out, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("query", err)
	}
	return cols, out, nil
}

// Exec runs a parameterized write statement on the writer. Mutations made
// through Exec do not produce change events; collaborators that need
// propagation go through the record operations.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Writer.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, s.writeFailed("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("exec", err)
	}
	return n, nil
}

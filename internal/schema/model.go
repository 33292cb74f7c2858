package schema

import (
	"fmt"
	"strings"
)

// ColType is the fundamental storage type of a column. STRICT tables restrict
// every column to exactly one of these; ANY columns do not qualify.
type ColType int8

const (
	TypeInteger ColType = iota
	TypeReal
	TypeText
	TypeBlob
)

func (t ColType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	}
	return "UNKNOWN"
}

func parseColType(s string) (ColType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT":
		return TypeInteger, true
	case "REAL":
		return TypeReal, true
	case "TEXT", "": // views may report no declared type; treat as text
		return TypeText, true
	case "BLOB":
		return TypeBlob, true
	}
	return 0, false
}

// DeleteAction is the declared ON DELETE behavior of a foreign key.
type DeleteAction int8

const (
	DeleteNoAction DeleteAction = iota
	DeleteRestrict
	DeleteCascade
	DeleteSetNull
)

func (a DeleteAction) String() string {
	switch a {
	case DeleteRestrict:
		return "restrict"
	case DeleteCascade:
		return "cascade"
	case DeleteSetNull:
		return "set_null"
	}
	return "no_action"
}

func parseDeleteAction(s string) DeleteAction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CASCADE":
		return DeleteCascade
	case "SET NULL":
		return DeleteSetNull
	case "RESTRICT":
		return DeleteRestrict
	}
	return DeleteNoAction
}

type Column struct {
	Name    string
	Type    ColType
	NotNull bool
	Default *string // literal from the declaration, nil when absent
	PK      bool
}

// ForeignKey references a parent table's column from a child column.
type ForeignKey struct {
	Column       string
	ParentTable  string
	ParentColumn string
	OnDelete     DeleteAction
}

// PKKind classifies a qualifying primary key.
type PKKind int8

const (
	PKInteger PKKind = iota
	PKUUID           // TEXT column holding UUID v4/v7 values
)

// Table is the introspected shape of one table or view.
type Table struct {
	Name    string
	View    bool
	Columns []Column
	PK      string
	PKKind  PKKind
	FKs     []ForeignKey
	Uniques [][]string
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// FK returns the foreign key declared on the named column, or nil.
func (t *Table) FK(column string) *ForeignKey {
	for i := range t.FKs {
		if t.FKs[i].Column == column {
			return &t.FKs[i]
		}
	}
	return nil
}

// ChildRef locates a foreign key in a child table pointing at a parent.
type ChildRef struct {
	Table string
	FK    ForeignKey
}

// Operation is one of the five record API operations.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

func parseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete, OpList:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// APIConfig is the resolved record API configuration of one table or view.
type APIConfig struct {
	Table       string
	World       map[Operation]bool
	Authed      map[Operation]bool
	Owner       map[Operation]bool
	OwnerColumn string

	// Exposed is the column allowlist in declaration order; always contains
	// the primary key.
	Exposed []string
	exposed map[string]bool

	// Expand lists expansion-eligible foreign-key columns.
	Expand map[string]bool
}

// Exposes reports whether the column is part of the exposed projection.
func (c *APIConfig) Exposes(column string) bool { return c.exposed[column] }

// WorldAllows reports whether the operation is granted to unauthenticated
// callers.
func (c *APIConfig) WorldAllows(op Operation) bool { return c.World[op] }

// AuthenticatedAllows reports whether any valid identity may perform the
// operation regardless of record ownership.
func (c *APIConfig) AuthenticatedAllows(op Operation) bool {
	return c.World[op] || c.Authed[op]
}

// OwnerAllows reports whether the operation is granted to the record owner.
func (c *APIConfig) OwnerAllows(op Operation) bool { return c.Owner[op] }

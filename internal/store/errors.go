package store

import (
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

// FieldError is a field-level problem in a request payload.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	ErrCodeRequired     = "required"
	ErrCodeTypeMismatch = "type_mismatch"
	ErrCodeUnknownField = "unknown_field"
	ErrCodeReadOnly     = "readonly_field"
	ErrCodeCheckFailed  = "check_failed"
	ErrCodeRefNotFound  = "ref_not_found"
	ErrCodeUnique       = "unique_violation"
	ErrCodeFKInUse      = "fk_in_use"
)

func fieldErr(code, field, msg string) *FieldError {
	return &FieldError{Code: code, Field: field, Message: msg}
}

// ValidationError reports schema or constraint violations on a write. The
// mutation is never partially applied.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", e.Fields[0].Field, e.Fields[0].Message)
	}
	return fmt.Sprintf("validation failed: %d field error(s)", len(e.Fields))
}

// ConflictError is a uniqueness conflict or a restricted delete.
type ConflictError struct {
	Fields []FieldError
}

func (e *ConflictError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("conflict: %s", e.Fields[0].Message)
	}
	return "conflict"
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: record %q not found", e.Table, e.ID)
}

// ErrBusy is returned when the write lock could not be acquired within the
// configured busy timeout. It is the only retryable error in the taxonomy;
// the store itself never retries.
var ErrBusy = errors.New("store: database is busy")

// StoreError wraps an underlying storage failure. Fatal to the current
// operation, not assumed recoverable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// primary and extended sqlite result codes the store distinguishes
const (
	codeBusy                 = 5
	codeLocked               = 6
	codeConstraint           = 19
	codeConstraintCheck      = 275
	codeConstraintForeignKey = 787
	codeConstraintNotNull    = 1299
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

// classify maps a driver error to the store taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return &StoreError{Op: op, Err: err}
	}
	code := se.Code()
	switch code & 0xff {
	case codeBusy, codeLocked:
		return ErrBusy
	case codeConstraint:
		field := constraintField(se.Error())
		switch code {
		case codeConstraintUnique, codeConstraintPrimaryKey:
			return &ConflictError{Fields: []FieldError{
				{Code: ErrCodeUnique, Field: field, Message: fmt.Sprintf("value of %q must be unique", field)},
			}}
		case codeConstraintForeignKey:
			return &ValidationError{Fields: []FieldError{
				{Code: ErrCodeRefNotFound, Field: field, Message: "referenced record does not exist"},
			}}
		case codeConstraintNotNull:
			return &ValidationError{Fields: []FieldError{
				{Code: ErrCodeRequired, Field: field, Message: fmt.Sprintf("column %q is NOT NULL", field)},
			}}
		case codeConstraintCheck:
			return &ValidationError{Fields: []FieldError{
				{Code: ErrCodeCheckFailed, Field: field, Message: "check constraint failed"},
			}}
		}
		return &ValidationError{Fields: []FieldError{
			{Code: ErrCodeCheckFailed, Field: field, Message: "constraint failed"},
		}}
	}
	return &StoreError{Op: op, Err: err}
}

// constraintField extracts "col" from messages like
// "UNIQUE constraint failed: table.col".
func constraintField(msg string) string {
	i := strings.LastIndex(msg, "failed: ")
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(msg[i+len("failed: "):])
	if j := strings.IndexAny(rest, " ("); j > 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '.'); j >= 0 {
		rest = rest[j+1:]
	}
	return strings.TrimSuffix(rest, ",")
}

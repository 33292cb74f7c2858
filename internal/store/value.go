package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shrike/internal/schema"
)

// Kind tags a Value with its fundamental storage type.
type Kind int8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

// Value is a closed tagged variant over the five SQLite storage classes.
// Every value entering the store is coerced strictly at this boundary; the
// engine's type leniency is never relied on.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

func Null() Value            { return Value{Kind: KindNull} }
func Integer(v int64) Value  { return Value{Kind: KindInteger, Int: v} }
func Real(v float64) Value   { return Value{Kind: KindReal, Real: v} }
func Text(v string) Value    { return Value{Kind: KindText, Text: v} }
func Blob(v []byte) Value    { return Value{Kind: KindBlob, Blob: v} }

// Arg returns the driver argument for binding.
func (v Value) Arg() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	}
	return nil
}

// JSON returns the wire representation: blobs as base64 text, null as nil.
func (v Value) JSON() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return base64.StdEncoding.EncodeToString(v.Blob)
	}
	return nil
}

// CoerceJSON converts a decoded JSON value to the column's storage type.
// The mapping is strict: integer columns take integral numbers only, text
// columns take strings only, blob columns take base64 strings. No affinity.
func CoerceJSON(col *schema.Column, raw any) (Value, *FieldError) {
	if raw == nil {
		if col.NotNull && !col.PK {
			return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "column is NOT NULL")
		}
		return Null(), nil
	}
	switch col.Type {
	case schema.TypeInteger:
		switch n := raw.(type) {
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
			}
			return Integer(i), nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
				return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
			}
			return Integer(int64(n)), nil
		case int64:
			return Integer(n), nil
		case bool:
			// booleans are stored as 0/1 integers
			if n {
				return Integer(1), nil
			}
			return Integer(0), nil
		}
		return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
	case schema.TypeReal:
		switch n := raw.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected number")
			}
			return Real(f), nil
		case float64:
			return Real(n), nil
		case int64:
			return Real(float64(n)), nil
		}
		return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected number")
	case schema.TypeText:
		if s, ok := raw.(string); ok {
			return Text(s), nil
		}
		return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected string")
	case schema.TypeBlob:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected base64 string")
			}
			return Blob(b), nil
		}
		return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "expected base64 string")
	}
	return Value{}, fieldErr(ErrCodeTypeMismatch, col.Name, "unsupported column type")
}

// coerceScan converts a driver scan result to the wire representation.
func coerceScan(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case int64:
		return v
	case float64:
		return v
	case string:
		return v
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	}
	return fmt.Sprint(raw)
}

// parsePK converts a wire id to the bound primary key value. Unparseable ids
// cannot match any row and surface as not found.
func parsePK(t *schema.Table, id string) (any, error) {
	switch t.PKKind {
	case schema.PKInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, &NotFoundError{Table: t.Name, ID: id}
		}
		return n, nil
	default:
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, &NotFoundError{Table: t.Name, ID: id}
		}
		return u.String(), nil
	}
}

// validatePKValue checks a caller-supplied primary key on create. Text keys
// must be UUID version 4 or 7.
func validatePKValue(t *schema.Table, v Value) *FieldError {
	switch t.PKKind {
	case schema.PKInteger:
		if v.Kind != KindInteger {
			return fieldErr(ErrCodeTypeMismatch, t.PK, "primary key must be an integer")
		}
	case schema.PKUUID:
		if v.Kind != KindText {
			return fieldErr(ErrCodeTypeMismatch, t.PK, "primary key must be a UUID string")
		}
		u, err := uuid.Parse(v.Text)
		if err != nil || (u.Version() != 4 && u.Version() != 7) {
			return fieldErr(ErrCodeTypeMismatch, t.PK, "primary key must be a UUID v4 or v7")
		}
	}
	return nil
}

// formatPK renders a scanned primary key value as a wire id string.
func formatPK(raw any) string {
	switch v := raw.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(raw)
}

// coerceQueryParam converts a filter/cursor string to a bound value of the
// column's type.
func coerceQueryParam(col *schema.Column, s string) (any, *FieldError) {
	switch col.Type {
	case schema.TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected integer")
		}
		return n, nil
	case schema.TypeReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected number")
		}
		return f, nil
	case schema.TypeBlob:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fieldErr(ErrCodeTypeMismatch, col.Name, "expected base64 string")
		}
		return b, nil
	default:
		return s, nil
	}
}

// Package auth decides whether a principal may perform a record API operation.
package auth

import (
	"context"
	"errors"
	"fmt"

	"shrike/internal/schema"
)

// ErrForbidden is the authorization deny. It is distinct from a schema
// resolution miss, which surfaces as schema.ErrUnknownTable.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidToken is returned by verifiers for credentials that do not map to
// an identity.
var ErrInvalidToken = errors.New("invalid token")

// Principal identifies a caller. The zero value is the anonymous world
// principal.
type Principal struct {
	Identity string
}

func (p Principal) Authenticated() bool { return p.Identity != "" }

// TokenVerifier maps a bearer token to a principal identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticVerifier is the config-backed verifier: a fixed token→identity map.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok && id != "" {
		return id, nil
	}
	return "", ErrInvalidToken
}

// OwnerReader fetches the owner-column value of one record; it reports a
// missing record with the store's not-found error.
type OwnerReader interface {
	ReadOwner(ctx context.Context, table, id string) (string, error)
}

// Decision qualifies an allow. OwnerScoped means access was granted solely
// through the owner class: record-level operations must still match the owner
// column, CREATE must stamp it, LIST must filter by it.
type Decision struct {
	OwnerScoped bool
}

// Evaluator applies a table's ACL to a principal.
type Evaluator struct {
	Owners OwnerReader
}

func NewEvaluator(owners OwnerReader) *Evaluator {
	return &Evaluator{Owners: owners}
}

// Authorize performs the table-level ACL check. For owner-scoped grants on
// CREATE and LIST the caller applies the owner constraint; for READ, UPDATE
// and DELETE use AuthorizeRecord.
func (e *Evaluator) Authorize(cfg *schema.APIConfig, p Principal, op schema.Operation) (Decision, error) {
	if cfg.WorldAllows(op) {
		return Decision{}, nil
	}
	if !p.Authenticated() {
		return Decision{}, fmt.Errorf("%w: %s on %s requires authentication", ErrForbidden, op, cfg.Table)
	}
	if cfg.AuthenticatedAllows(op) {
		return Decision{}, nil
	}
	if cfg.OwnerAllows(op) {
		return Decision{OwnerScoped: true}, nil
	}
	return Decision{}, fmt.Errorf("%w: %s on %s", ErrForbidden, op, cfg.Table)
}

// AuthorizeRecord decides a record-level operation, fetching the record's
// owner column when the grant is owner-scoped. A missing record propagates
// the store's not-found error unchanged.
func (e *Evaluator) AuthorizeRecord(ctx context.Context, cfg *schema.APIConfig, p Principal, op schema.Operation, id string) error {
	d, err := e.Authorize(cfg, p, op)
	if err != nil {
		return err
	}
	if !d.OwnerScoped {
		return nil
	}
	owner, err := e.Owners.ReadOwner(ctx, cfg.Table, id)
	if err != nil {
		return err
	}
	if owner != p.Identity {
		return fmt.Errorf("%w: %s on %s: not the record owner", ErrForbidden, op, cfg.Table)
	}
	return nil
}

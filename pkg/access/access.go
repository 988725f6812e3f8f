// Package access attaches principals to experiment operations and decides
// whether they are allowed.
//
// Authorization always re-reads the record from the Store; no cached copy is
// ever trusted for an access decision.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// Op names an operation subject to authorization.
type Op string

const (
	OpGet    Op = "get"
	OpStop   Op = "stop"
	OpDelete Op = "delete"
	OpUpdate Op = "update"
)

// Principal is the opaque identity supplied by the caller.
type Principal struct {
	ID    string
	Admin bool
}

func (p Principal) String() string {
	if p.Admin {
		return p.ID + " (admin)"
	}
	return p.ID
}

// Policy resolves principal ids to capabilities.
type Policy struct {
	admins map[string]struct{}
}

// NewPolicy builds a policy granting the admin capability to the given ids.
func NewPolicy(admins []string) *Policy {
	p := &Policy{admins: make(map[string]struct{}, len(admins))}
	for _, a := range admins {
		a = strings.TrimSpace(a)
		if a != "" {
			p.admins[a] = struct{}{}
		}
	}
	return p
}

// Principal returns the principal for id with its capabilities resolved.
func (p *Policy) Principal(id string) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, experiment.Validationf("principal is required")
	}
	_, admin := p.admins[id]
	return Principal{ID: id, Admin: admin}, nil
}

// Authorizer checks operations against persisted ownership.
type Authorizer struct {
	store experiment.Store
}

func NewAuthorizer(store experiment.Store) *Authorizer {
	return &Authorizer{store: store}
}

// Authorize performs a fresh Get and returns the record when principal may
// perform op on it. A missing record is plain ErrNotFound for OpGet and a
// denial wrapping ErrNotFound for every mutating op.
func (a *Authorizer) Authorize(ctx context.Context, op Op, id string, principal Principal) (*experiment.Record, error) {
	if strings.TrimSpace(principal.ID) == "" {
		return nil, &experiment.AuthorizationError{Op: string(op), ID: id, Reason: "no principal"}
	}
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) && op != OpGet {
			return nil, fmt.Errorf("%w: %w", &experiment.AuthorizationError{
				Op: string(op), ID: id, Principal: principal.ID, Reason: "record not found",
			}, err)
		}
		return nil, err
	}
	if err := Check(op, rec, principal); err != nil {
		return nil, err
	}
	return rec, nil
}

// Check applies the ownership rule to an already loaded record.
func Check(op Op, rec *experiment.Record, principal Principal) error {
	if rec == nil {
		return &experiment.AuthorizationError{Op: string(op), Principal: principal.ID, Reason: "record not found"}
	}
	if principal.Admin || rec.Owner == principal.ID {
		return nil
	}
	return &experiment.AuthorizationError{
		Op:        string(op),
		ID:        rec.ID,
		Principal: principal.ID,
		Reason:    "not the owner",
	}
}

// ListFilter scopes a listing for principal. An empty requestedOwner means
// the principal's own records, or every record for admins when all is set.
func ListFilter(principal Principal, requestedOwner string, all bool) (experiment.ListFilter, error) {
	requestedOwner = strings.TrimSpace(requestedOwner)
	if strings.TrimSpace(principal.ID) == "" {
		return experiment.ListFilter{}, &experiment.AuthorizationError{Op: "list", Reason: "no principal"}
	}
	if principal.Admin {
		if requestedOwner != "" {
			return experiment.ListFilter{Owner: requestedOwner}, nil
		}
		if all {
			return experiment.ListFilter{All: true}, nil
		}
		return experiment.ListFilter{Owner: principal.ID}, nil
	}
	if all || (requestedOwner != "" && requestedOwner != principal.ID) {
		return experiment.ListFilter{}, &experiment.AuthorizationError{
			Op:        "list",
			ID:        requestedOwner,
			Principal: principal.ID,
			Reason:    "listing other owners requires admin",
		}
	}
	return experiment.ListFilter{Owner: principal.ID}, nil
}

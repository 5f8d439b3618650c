// Package store holds the client-side state of budget tables.
//
// State is immutable: every action produces a new snapshot through a reducer,
// and Store publishes snapshots atomically. Actions form a closed set; the only
// implementations of Action are the types in this package.
package store

import (
	"fmt"

	"github.com/google/uuid"

	"greenbudget/internal/core"
)

// Domain names the entity kind a list holds.
type Domain int

const (
	DomainAccount Domain = iota + 1
	DomainSubAccount
	DomainFringe
	DomainActual
	DomainGroup
)

func (d Domain) String() string {
	switch d {
	case DomainAccount:
		return "account"
	case DomainSubAccount:
		return "subaccount"
	case DomainFringe:
		return "fringe"
	case DomainActual:
		return "actual"
	case DomainGroup:
		return "group"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Domain) UnmarshalText(b []byte) error {
	for c := DomainAccount; c <= DomainGroup; c++ {
		if c.String() == string(b) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("unknown domain %q", b)
}

// ItemDomain returns the line item domain of the table owned by parent.
func ItemDomain(parent core.ParentKind) Domain {
	if parent == core.ParentBudget {
		return DomainAccount
	}
	return DomainSubAccount
}

// Model is an entity a ListStore can hold.
type Model[M any] interface {
	GetID() int64
	WithPatch(core.Patch) (M, error)
}

// Placeholder is a row created locally before the server assigned it an id.
// Placeholder ids are random and never reused.
type Placeholder[M any] struct {
	ID  string `json:"id"`
	Row M      `json:"row"`
}

func NewPlaceholder[M any](row M) Placeholder[M] {
	return Placeholder[M]{ID: uuid.NewString(), Row: row}
}

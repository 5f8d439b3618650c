package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ParentBudget     ParentKind = "budget"
	ParentAccount    ParentKind = "account"
	ParentSubAccount ParentKind = "subaccount"

	TypeAccount    LineItemType = "account"
	TypeSubAccount LineItemType = "subaccount"

	FringeUnitPercent FringeUnit = "percent"
	FringeUnitFlat    FringeUnit = "flat"
)

type (
	ParentKind   string
	LineItemType string
	FringeUnit   string

	// ParentRef identifies the entity owning a collection of rows.
	ParentRef struct {
		Kind ParentKind `json:"kind"`
		ID   int64      `json:"id"`
	}

	Date struct {
		time.Time
	}

	// Totals holds the derived metrics of a container (Group, Budget, parent line item).
	Totals struct {
		Estimated decimal.Decimal `json:"estimated"`
		Actual    decimal.Decimal `json:"actual"`
		Variance  decimal.Decimal `json:"variance"`
	}

	// LineItem is an Account or SubAccount row.
	LineItem struct {
		ID          int64               `json:"id"`
		Type        LineItemType        `json:"type"`
		Parent      int64               `json:"parent,omitempty"`
		Identifier  string              `json:"identifier"`
		Description string              `json:"description"`
		Quantity    decimal.NullDecimal `json:"quantity"`
		Rate        decimal.NullDecimal `json:"rate"`
		Multiplier  decimal.NullDecimal `json:"multiplier"`
		Estimated   decimal.NullDecimal `json:"estimated"`
		Actual      decimal.NullDecimal `json:"actual"`
		Variance    decimal.NullDecimal `json:"variance"`
		Fringes     []int64             `json:"fringes,omitempty"`
		Group       *int64              `json:"group"`
		Children    []int64             `json:"children,omitempty"`
	}

	Group struct {
		ID       int64   `json:"id"`
		Name     string  `json:"name"`
		Color    string  `json:"color,omitempty"`
		Children []int64 `json:"children"`
		Totals
	}

	Fringe struct {
		ID          int64               `json:"id"`
		Name        string              `json:"name"`
		Description string              `json:"description,omitempty"`
		Rate        decimal.NullDecimal `json:"rate"`
		Unit        FringeUnit          `json:"unit"`
	}

	// Actual is a recorded expenditure tied to a line item.
	Actual struct {
		ID            int64               `json:"id"`
		Parent        int64               `json:"parent"`
		Description   string              `json:"description"`
		Vendor        string              `json:"vendor,omitempty"`
		PurchaseOrder string              `json:"purchase_order,omitempty"`
		PaymentMethod string              `json:"payment_method,omitempty"`
		Date          Date                `json:"date"`
		Amount        decimal.NullDecimal `json:"amount"`
	}

	Budget struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Totals
	}
)

var (
	ErrEmptyName       = errors.New("empty name")
	ErrInvalidUnit     = errors.New("invalid fringe unit")
	ErrInvalidParent   = errors.New("invalid parent")
	ErrInvalidRate     = errors.New("invalid rate")
	ErrEmptyIdentifier = errors.New("empty identifier")
)

func (p ParentRef) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// ChildType returns the type of line items a parent of this kind owns.
func (k ParentKind) ChildType() LineItemType {
	if k == ParentBudget {
		return TypeAccount
	}
	return TypeSubAccount
}

func (k ParentKind) IsValid() bool {
	switch k {
	case ParentBudget, ParentAccount, ParentSubAccount:
		return true
	default:
		return false
	}
}

// ParentKindOf returns the parent kind under which children of a line item live.
func ParentKindOf(t LineItemType) ParentKind {
	if t == TypeAccount {
		return ParentAccount
	}
	return ParentSubAccount
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.Format(time.DateOnly) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// NewTotals derives the variance from estimated and actual.
func NewTotals(estimated, actual decimal.Decimal) Totals {
	return Totals{Estimated: estimated, Actual: actual, Variance: estimated.Sub(actual)}
}

func (t Totals) Equal(o Totals) bool {
	return t.Estimated.Equal(o.Estimated) && t.Actual.Equal(o.Actual) && t.Variance.Equal(o.Variance)
}

func (li LineItem) GetID() int64 { return li.ID }

// IsLeaf reports whether the estimate may be entered directly or computed from quantity and rate.
func (li LineItem) IsLeaf() bool { return len(li.Children) == 0 }

// Totals returns the line item metrics with null amounts read as zero.
func (li LineItem) Totals() Totals {
	return NewTotals(Value(li.Estimated), Value(li.Actual))
}

// WithTotals copies derived totals onto the line item.
func (li LineItem) WithTotals(t Totals) LineItem {
	out := li.Clone()
	out.Estimated = Null(t.Estimated)
	out.Actual = Null(t.Actual)
	out.Variance = Null(t.Variance)
	return out
}

func (li LineItem) Clone() LineItem {
	out := li
	out.Fringes = cloneIDs(li.Fringes)
	out.Children = cloneIDs(li.Children)
	if li.Group != nil {
		g := *li.Group
		out.Group = &g
	}
	return out
}

func (li LineItem) Validate() error {
	if li.Type != TypeAccount && li.Type != TypeSubAccount {
		return fmt.Errorf("invalid line item type %q", li.Type)
	}
	if strings.TrimSpace(li.Identifier) == "" && strings.TrimSpace(li.Description) == "" {
		return ErrEmptyIdentifier
	}
	return nil
}

func (g Group) GetID() int64 { return g.ID }

func (g Group) Clone() Group {
	out := g
	out.Children = cloneIDs(g.Children)
	return out
}

// HasChild reports whether id is a member of the group.
func (g Group) HasChild(id int64) bool {
	for _, c := range g.Children {
		if c == id {
			return true
		}
	}
	return false
}

func (g Group) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return ErrEmptyName
	}
	return nil
}

func (f Fringe) GetID() int64 { return f.ID }

func (f Fringe) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyName
	}
	switch f.Unit {
	case FringeUnitPercent, FringeUnitFlat:
	default:
		return ErrInvalidUnit
	}
	if f.Rate.Valid && f.Unit == FringeUnitPercent && f.Rate.Decimal.LessThan(decimal.NewFromInt(-1)) {
		return ErrInvalidRate
	}
	return nil
}

// Apply adjusts an estimate by the fringe contribution. A fringe without a rate contributes nothing.
func (f Fringe) Apply(estimated decimal.Decimal) decimal.Decimal {
	if !f.Rate.Valid {
		return estimated
	}
	switch f.Unit {
	case FringeUnitFlat:
		return estimated.Add(f.Rate.Decimal)
	default:
		return estimated.Mul(decimal.NewFromInt(1).Add(f.Rate.Decimal))
	}
}

func (a Actual) GetID() int64 { return a.ID }

func (a Actual) Validate() error {
	if a.Parent == 0 {
		return ErrInvalidParent
	}
	return nil
}

func cloneIDs(ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	return append([]int64(nil), ids...)
}

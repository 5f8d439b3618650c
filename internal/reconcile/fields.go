package reconcile

import (
	"strings"

	"greenbudget/internal/core"
	"greenbudget/internal/store"
)

func AccountHasRequiredFields(li core.LineItem) bool {
	return strings.TrimSpace(li.Identifier) != "" || strings.TrimSpace(li.Description) != ""
}

// SubAccountHasRequiredFields requires an estimate basis: quantity and rate, or children.
func SubAccountHasRequiredFields(li core.LineItem) bool {
	return (li.Quantity.Valid && li.Rate.Valid) || len(li.Children) > 0
}

func FringeHasRequiredFields(f core.Fringe) bool {
	return strings.TrimSpace(f.Name) != ""
}

func ActualHasRequiredFields(a core.Actual) bool {
	return a.Parent != 0
}

func GroupHasRequiredFields(g core.Group) bool {
	return strings.TrimSpace(g.Name) != ""
}

// LineItemHasRequiredFields returns the predicate of the line item domain d.
func LineItemHasRequiredFields(d store.Domain) func(core.LineItem) bool {
	if d == store.DomainAccount {
		return AccountHasRequiredFields
	}
	return SubAccountHasRequiredFields
}

// LineItemKey identifies a line item by identifier, or by description when it has none.
func LineItemKey(li core.LineItem) string {
	if k := strings.TrimSpace(li.Identifier); k != "" {
		return "i:" + k
	}
	return "d:" + strings.TrimSpace(li.Description)
}

func FringeKey(f core.Fringe) string { return strings.TrimSpace(f.Name) }

func GroupKey(g core.Group) string { return strings.TrimSpace(g.Name) }

// ActualKey combines the fields an actual is entered with; actuals have no
// unique name of their own.
func ActualKey(a core.Actual) string {
	var b strings.Builder
	b.WriteString(core.ServerRow(a.Parent).String())
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(a.Description))
	b.WriteByte('|')
	if a.Amount.Valid {
		b.WriteString(a.Amount.Decimal.String())
	}
	b.WriteByte('|')
	if !a.Date.IsZero() {
		b.WriteString(a.Date.Format("2006-01-02"))
	}
	return b.String()
}

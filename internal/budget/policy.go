// Package budget recalculates the derived metrics of budget tables: group
// subtotals, leaf line item estimates and the totals of a table's parent.
package budget

import (
	"fmt"
	"strings"

	"greenbudget/internal/core"
)

// ActualSource selects where a parent's actual comes from.
type ActualSource string

const (
	// ActualFromChildren sums the actual of child rows and placeholders.
	ActualFromChildren ActualSource = "children"
	// ActualFromActuals sums Actual amounts recorded directly against the parent.
	ActualFromActuals ActualSource = "actuals"
)

func ParseActualSource(s string) (ActualSource, error) {
	switch src := ActualSource(strings.ToLower(strings.TrimSpace(s))); src {
	case "":
		return ActualFromChildren, nil
	case ActualFromChildren, ActualFromActuals:
		return src, nil
	default:
		return "", fmt.Errorf("invalid actual source %q (want %q or %q)", s, ActualFromChildren, ActualFromActuals)
	}
}

// Policy holds the actual source of each parent level. The budget level always
// aggregates its accounts.
type Policy struct {
	Account    ActualSource
	SubAccount ActualSource
}

func DefaultPolicy() Policy {
	return Policy{Account: ActualFromChildren, SubAccount: ActualFromChildren}
}

// For returns the actual source of tables owned by a parent of kind k.
func (p Policy) For(k core.ParentKind) ActualSource {
	var src ActualSource
	switch k {
	case core.ParentAccount:
		src = p.Account
	case core.ParentSubAccount:
		src = p.SubAccount
	}
	if src == "" {
		return ActualFromChildren
	}
	return src
}

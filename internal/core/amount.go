// Package core provides the budget domain model.
//
// This file contains helpers for nullable decimal amounts: parsing user input,
// reading null as zero and summing.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// thousands matches comma grouped digits such as 1,234 or 12,345,678.
var thousands = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)

// ParseAmount converts user input to a decimal amount.
//
// It accepts dot (12.34) and comma (12,34) decimal separators and a leading
// currency symbol. Commas grouping exactly three digits are thousands
// separators (1,234 and 1,234.50); so are dots when a comma follows them
// (1.234,50). Negative amounts are allowed; refunds show up as negative actuals.
//
// Examples:
//
//	ParseAmount("12.34")     -> 12.34
//	ParseAmount("12,34")     -> 12.34
//	ParseAmount("$1,234")    -> 1234
//	ParseAmount("$1,234.50") -> 1234.5
//	ParseAmount("1.234,50")  -> 1234.5
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimLeft(s, "$€£ ")
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	dot, comma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case comma < 0:
	case dot > comma, thousands.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case dot >= 0:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	default:
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// Value reads a nullable amount, treating null as zero.
func Value(n decimal.NullDecimal) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	return n.Decimal
}

// Null wraps a decimal as a present nullable amount.
func Null(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NewNullDecimal(d)
}

// Sum adds nullable amounts, skipping nulls.
func Sum(values ...decimal.NullDecimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		if v.Valid {
			total = total.Add(v.Decimal)
		}
	}
	return total
}

// NullDecimalFrom converts a patch value to a nullable amount.
// Empty strings and nil clear the amount.
func NullDecimalFrom(v any) (decimal.NullDecimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.NullDecimal{}, nil
	case decimal.Decimal:
		return Null(t), nil
	case decimal.NullDecimal:
		return t, nil
	case float64:
		return Null(decimal.NewFromFloat(t)), nil
	case float32:
		return Null(decimal.NewFromFloat32(t)), nil
	case int:
		return Null(decimal.NewFromInt(int64(t))), nil
	case int64:
		return Null(decimal.NewFromInt(t)), nil
	case json.Number:
		return NullDecimalFrom(t.String())
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := ParseAmount(t)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return Null(d), nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, v)
	}
}

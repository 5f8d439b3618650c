package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrUnknownField = errors.New("unknown field")

type (
	// Patch maps field names to new values, as decoded from JSON.
	Patch map[string]any

	// RowID addresses a table row: a server id, or a placeholder id for rows
	// the server has not confirmed yet. On the wire it is a number or a string.
	RowID struct {
		Server      int64
		Placeholder string
	}

	FieldChange struct {
		OldValue any `json:"oldValue"`
		NewValue any `json:"newValue"`
	}

	// Change is one pending edit of a row.
	Change struct {
		ID   RowID                  `json:"id"`
		Data map[string]FieldChange `json:"data"`
	}

	// CellError annotates one cell of a table with a server-reported problem.
	CellError struct {
		ID      RowID  `json:"id"`
		Field   string `json:"field"`
		Message string `json:"message"`
	}
)

func ServerRow(id int64) RowID { return RowID{Server: id} }

func PlaceholderRow(id string) RowID { return RowID{Placeholder: id} }

func (r RowID) IsPlaceholder() bool { return r.Placeholder != "" }

func (r RowID) IsZero() bool { return r.Server == 0 && r.Placeholder == "" }

func (r RowID) String() string {
	if r.IsPlaceholder() {
		return r.Placeholder
	}
	return strconv.FormatInt(r.Server, 10)
}

func (r RowID) MarshalJSON() ([]byte, error) {
	if r.IsPlaceholder() {
		return json.Marshal(r.Placeholder)
	}
	return []byte(strconv.FormatInt(r.Server, 10)), nil
}

func (r *RowID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = PlaceholderRow(s)
		return nil
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse row id %s: %w", b, err)
	}
	*r = ServerRow(id)
	return nil
}

// Patch returns the new values of the change.
func (c Change) Patch() Patch {
	p := make(Patch, len(c.Data))
	for field, fc := range c.Data {
		p[field] = fc.NewValue
	}
	return p
}

// Fields returns the changed field names in sorted order.
func (c Change) Fields() []string {
	fields := make([]string, 0, len(c.Data))
	for f := range c.Data {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// WithPatch applies user-editable fields. Derived fields are ignored: variance
// always, and estimated when the item has children. Group membership is owned
// by the group, so group is ignored as well.
func (li LineItem) WithPatch(p Patch) (LineItem, error) {
	out := li.Clone()
	var errs fieldErrors
	for field, v := range p {
		var err error
		switch field {
		case "identifier":
			out.Identifier, err = stringFrom(v)
		case "description":
			out.Description, err = stringFrom(v)
		case "quantity":
			out.Quantity, err = NullDecimalFrom(v)
		case "rate":
			out.Rate, err = NullDecimalFrom(v)
		case "multiplier":
			out.Multiplier, err = NullDecimalFrom(v)
		case "estimated":
			if out.IsLeaf() {
				out.Estimated, err = NullDecimalFrom(v)
			}
		case "actual":
			out.Actual, err = NullDecimalFrom(v)
		case "fringes":
			out.Fringes, err = idsFrom(v)
		case "id", "type", "parent", "children", "variance", "group":
		default:
			err = ErrUnknownField
		}
		errs.add(field, err)
	}
	if err := errs.err(); err != nil {
		return li, err
	}
	return out, nil
}

func (g Group) WithPatch(p Patch) (Group, error) {
	out := g.Clone()
	var errs fieldErrors
	for field, v := range p {
		var err error
		switch field {
		case "name":
			out.Name, err = stringFrom(v)
		case "color":
			out.Color, err = stringFrom(v)
		case "children":
			out.Children, err = idsFrom(v)
		case "id", "estimated", "actual", "variance":
		default:
			err = ErrUnknownField
		}
		errs.add(field, err)
	}
	if err := errs.err(); err != nil {
		return g, err
	}
	return out, nil
}

func (f Fringe) WithPatch(p Patch) (Fringe, error) {
	out := f
	var errs fieldErrors
	for field, v := range p {
		var err error
		switch field {
		case "name":
			out.Name, err = stringFrom(v)
		case "description":
			out.Description, err = stringFrom(v)
		case "rate":
			out.Rate, err = NullDecimalFrom(v)
		case "unit":
			var s string
			s, err = stringFrom(v)
			out.Unit = FringeUnit(strings.ToLower(s))
		case "id":
		default:
			err = ErrUnknownField
		}
		errs.add(field, err)
	}
	if err := errs.err(); err != nil {
		return f, err
	}
	return out, nil
}

func (a Actual) WithPatch(p Patch) (Actual, error) {
	out := a
	var errs fieldErrors
	for field, v := range p {
		var err error
		switch field {
		case "parent":
			var id *int64
			id, err = nullableIDFrom(v)
			out.Parent = 0
			if id != nil {
				out.Parent = *id
			}
		case "description":
			out.Description, err = stringFrom(v)
		case "vendor":
			out.Vendor, err = stringFrom(v)
		case "purchase_order":
			out.PurchaseOrder, err = stringFrom(v)
		case "payment_method":
			out.PaymentMethod, err = stringFrom(v)
		case "amount":
			out.Amount, err = NullDecimalFrom(v)
		case "date":
			var s string
			if s, err = stringFrom(v); err == nil {
				err = out.Date.UnmarshalJSON([]byte(s))
			}
		case "id":
		default:
			err = ErrUnknownField
		}
		errs.add(field, err)
	}
	if err := errs.err(); err != nil {
		return a, err
	}
	return out, nil
}

// fieldErrors collects per-field patch failures into a ValidationError.
type fieldErrors []FieldError

func (e *fieldErrors) add(field string, err error) {
	if err != nil {
		*e = append(*e, FieldError{Field: field, Message: err.Error()})
	}
}

func (e fieldErrors) err() error {
	if len(e) == 0 {
		return nil
	}
	sort.Slice(e, func(i, j int) bool { return e[i].Field < e[j].Field })
	return &ValidationError{Errors: e}
}

func stringFrom(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func idFrom(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("invalid id %v", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("expected id, got %T", v)
	}
}

func nullableIDFrom(v any) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	id, err := idFrom(v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func idsFrom(v any) ([]int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []int64:
		return cloneIDs(t), nil
	case []any:
		out := make([]int64, 0, len(t))
		for _, e := range t {
			id, err := idFrom(e)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected id list, got %T", v)
	}
}

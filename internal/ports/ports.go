// Package ports declares the contract of the remote budgeting API.
package ports

import (
	"context"
	"encoding/json"
	"fmt"

	"greenbudget/internal/core"
)

type (
	// ListResponse is a page of models.
	ListResponse[M any] struct {
		Data  []M `json:"data"`
		Count int `json:"count"`
	}

	// ListQuery narrows a list request.
	ListQuery struct {
		Search   string
		Page     int
		PageSize int
	}

	// BulkCreateResponse returns the created rows in no particular order, plus
	// the updated aggregates of the parent and budget when they changed.
	BulkCreateResponse[M any] struct {
		Children []M            `json:"children"`
		Parent   *core.LineItem `json:"parent,omitempty"`
		Budget   *core.Budget   `json:"budget,omitempty"`
	}

	BulkResponse struct {
		Parent *core.LineItem `json:"parent,omitempty"`
		Budget *core.Budget   `json:"budget,omitempty"`
	}

	// BulkUpdatePayload is one row of a bulk update: {"id": 1, "rate": "2"}.
	BulkUpdatePayload struct {
		ID    int64
		Patch core.Patch
	}

	// Collection is a list of rows owned by a parent.
	Collection[M any] interface {
		List(ctx context.Context, parent core.ParentRef, q ListQuery) (ListResponse[M], error)
		BulkCreate(ctx context.Context, parent core.ParentRef, rows []core.Patch) (BulkCreateResponse[M], error)
		BulkUpdate(ctx context.Context, parent core.ParentRef, rows []BulkUpdatePayload) (BulkResponse, error)
		BulkDelete(ctx context.Context, parent core.ParentRef, ids []int64) (BulkResponse, error)
	}

	GroupService interface {
		List(ctx context.Context, parent core.ParentRef) (ListResponse[core.Group], error)
		Create(ctx context.Context, parent core.ParentRef, g core.Group) (core.Group, error)
		Update(ctx context.Context, id int64, patch core.Patch) (core.Group, error)
		Delete(ctx context.Context, id int64) error
	}

	// Service is the whole remote API.
	Service interface {
		LineItems() Collection[core.LineItem]
		Fringes() Collection[core.Fringe]
		Actuals() Collection[core.Actual]
		Groups() GroupService
	}
)

func (p BulkUpdatePayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Patch)+1)
	for k, v := range p.Patch {
		out[k] = v
	}
	out["id"] = p.ID
	return json.Marshal(out)
}

func (p *BulkUpdatePayload) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	idv, ok := raw["id"].(float64)
	if !ok || idv != float64(int64(idv)) || idv <= 0 {
		return fmt.Errorf("bulk update row: missing or invalid id")
	}
	delete(raw, "id")
	p.ID = int64(idv)
	p.Patch = raw
	return nil
}

// Payloads converts merged changes of confirmed rows into bulk update rows.
func Payloads(changes []core.Change) []BulkUpdatePayload {
	out := make([]BulkUpdatePayload, 0, len(changes))
	for _, c := range changes {
		if c.ID.IsPlaceholder() {
			continue
		}
		out = append(out, BulkUpdatePayload{ID: c.ID.Server, Patch: c.Patch()})
	}
	return out
}

package backend

import (
	"context"
	"fmt"

	"greenbudget/internal/core"
	"greenbudget/internal/remote/memory"
)

// SeedDemo creates a small feature budget: two fringes, two accounts with
// sub-accounts, a group and one actual.
func SeedDemo(ctx context.Context, srv *memory.Server) (core.Budget, error) {
	b := srv.CreateBudget("Demo Feature")
	budgetRef := core.ParentRef{Kind: core.ParentBudget, ID: b.ID}

	fringes, err := srv.Fringes().BulkCreate(ctx, budgetRef, []core.Patch{
		{"name": "Payroll Tax", "rate": "0.1", "unit": string(core.FringeUnitPercent)},
		{"name": "Kit Fee", "rate": "50", "unit": string(core.FringeUnitFlat)},
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("fringes: %w", err)
	}
	fringeIDs := make(map[string]int64, len(fringes.Children))
	for _, f := range fringes.Children {
		fringeIDs[f.Name] = f.ID
	}

	accounts, err := srv.LineItems().BulkCreate(ctx, budgetRef, []core.Patch{
		{"identifier": "1100", "description": "Production Staff"},
		{"identifier": "2200", "description": "Camera Equipment"},
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("accounts: %w", err)
	}
	// Bulk creates do not keep the request order.
	accountIDs := make(map[string]int64, len(accounts.Children))
	for _, a := range accounts.Children {
		accountIDs[a.Identifier] = a.ID
	}

	subaccounts := map[string][]core.Patch{
		"1100": {
			{"identifier": "1101", "description": "Producer", "quantity": "10", "rate": "800",
				"fringes": []int64{fringeIDs["Payroll Tax"]}},
			{"identifier": "1102", "description": "Production Coordinator", "quantity": "10", "rate": "350",
				"fringes": []int64{fringeIDs["Payroll Tax"]}},
		},
		"2200": {
			{"identifier": "2201", "description": "Camera Package", "quantity": "5", "rate": "1200",
				"fringes": []int64{fringeIDs["Kit Fee"]}},
			{"identifier": "2202", "description": "Lenses", "quantity": "5", "rate": "400", "multiplier": "2"},
		},
	}
	var cameraPackage int64
	for _, identifier := range []string{"1100", "2200"} {
		parent := core.ParentRef{Kind: core.ParentAccount, ID: accountIDs[identifier]}
		created, err := srv.LineItems().BulkCreate(ctx, parent, subaccounts[identifier])
		if err != nil {
			return core.Budget{}, fmt.Errorf("sub-accounts of %s: %w", identifier, err)
		}
		if identifier != "2200" {
			continue
		}
		children := make([]int64, 0, len(created.Children))
		for _, li := range created.Children {
			children = append(children, li.ID)
			if li.Identifier == "2201" {
				cameraPackage = li.ID
			}
		}
		if _, err := srv.Groups().Create(ctx, parent, core.Group{Name: "Camera Department", Color: "#3b82f6", Children: children}); err != nil {
			return core.Budget{}, fmt.Errorf("group: %w", err)
		}
	}

	if _, err := srv.Actuals().BulkCreate(ctx, budgetRef, []core.Patch{{
		"parent":      cameraPackage,
		"description": "Camera rental deposit",
		"vendor":      "Panavision",
		"date":        "2024-03-01",
		"amount":      "2500",
	}}); err != nil {
		return core.Budget{}, fmt.Errorf("actuals: %w", err)
	}

	seeded, ok := srv.Budget(b.ID)
	if !ok {
		return core.Budget{}, fmt.Errorf("budget %d: %w", b.ID, core.ErrNotFound)
	}
	return seeded, nil
}

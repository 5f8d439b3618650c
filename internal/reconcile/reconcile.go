// Package reconcile retires placeholder rows once the server has confirmed them.
package reconcile

import (
	"greenbudget/internal/log"
	"greenbudget/internal/store"
)

// KeyFunc extracts the value that identifies a row across a create round trip,
// such as an identifier or a name.
type KeyFunc[M any] func(M) string

type Activation[M any] struct {
	PlaceholderID string
	Model         M
}

// Result maps the models returned by one bulk create back to placeholders.
// Unmatched holds created models no placeholder claimed.
type Result[M any] struct {
	Activations []Activation[M]
	Unmatched   []M
}

// ActivatePlaceholder removes the placeholder and appends the confirmed model.
// When the placeholder is already gone the model is still appended and found
// reports false.
func ActivatePlaceholder[M store.Model[M]](l store.ListStore[M], placeholderID string, confirmed M) (out store.ListStore[M], found bool) {
	_, found = l.Placeholder(placeholderID)
	out, _ = store.Reduce[M](l, store.ActivatePlaceholder[M]{ID: placeholderID, Model: confirmed})
	return out, found
}

// ReconcileBulkCreate matches each created model to the first unconsumed
// placeholder with the same key. Response order is not relied upon.
func ReconcileBulkCreate[M any](placeholders []store.Placeholder[M], created []M, key KeyFunc[M]) Result[M] {
	byKey := make(map[string][]string, len(placeholders))
	for _, p := range placeholders {
		k := key(p.Row)
		byKey[k] = append(byKey[k], p.ID)
	}

	var res Result[M]
	for _, m := range created {
		k := key(m)
		ids := byKey[k]
		if len(ids) == 0 {
			res.Unmatched = append(res.Unmatched, m)
			continue
		}
		res.Activations = append(res.Activations, Activation[M]{PlaceholderID: ids[0], Model: m})
		byKey[k] = ids[1:]
	}
	return res
}

// Apply performs the activations of res on l and appends unmatched models.
// Unmatched models and vanished placeholders are logged.
func Apply[M store.Model[M]](l store.ListStore[M], res Result[M], logger *log.Logger) store.ListStore[M] {
	logger = log.OrDiscard(logger).WithComponent(log.ComponentReconcile)
	for _, a := range res.Activations {
		var found bool
		l, found = ActivatePlaceholder(l, a.PlaceholderID, a.Model)
		if !found {
			logger.Warn("placeholder vanished before activation",
				"placeholder", a.PlaceholderID,
				log.FieldEntityID, a.Model.GetID())
		}
	}
	if len(res.Unmatched) > 0 {
		for _, m := range res.Unmatched {
			logger.Error("created row matches no placeholder",
				log.FieldOperation, log.OpReconcile,
				log.FieldEntityID, m.GetID(),
				"error_type", log.ErrorTypeConsistency)
		}
		l, _ = store.Reduce[M](l, store.Add[M]{Models: res.Unmatched})
	}
	return l
}

// Candidates returns the placeholders ready for creation: those passing ready,
// at most one per key so a bulk create never carries ambiguous keys. Rows held
// back are submitted with a later change.
func Candidates[M any](placeholders []store.Placeholder[M], ready func(M) bool, key KeyFunc[M]) []store.Placeholder[M] {
	seen := make(map[string]bool, len(placeholders))
	var out []store.Placeholder[M]
	for _, p := range placeholders {
		if !ready(p.Row) {
			continue
		}
		k := key(p.Row)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

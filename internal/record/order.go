package record

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/gridbase/internal/model"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// minOrderGap is the smallest spacing between placed records before the
// table's order values are renumbered.
const minOrderGap = 1e-9

// placeRecords returns n ascending order values that put new records next
// to the anchor record.
func placeRecords(ctx context.Context, rs store.RecordStore, tableID string, order model.RecordOrder, n int) ([]float64, error) {
	switch order.Position {
	case "", model.PositionAfter, model.PositionBefore:
	default:
		return nil, model.NewValidationError("order.position", order.Position, "must be %q or %q", model.PositionBefore, model.PositionAfter)
	}
	for attempt := 0; ; attempt++ {
		lo, hi, err := orderBounds(ctx, rs, tableID, order, n)
		if err != nil {
			return nil, err
		}
		step := (hi - lo) / float64(n+1)
		if step >= minOrderGap || attempt > 0 {
			out := make([]float64, n)
			for i := range out {
				out[i] = lo + step*float64(i+1)
			}
			return out, nil
		}
		if err := renumber(ctx, rs, tableID); err != nil {
			return nil, err
		}
	}
}

// orderBounds returns the open interval between the anchor and its
// neighbour on the requested side.
func orderBounds(ctx context.Context, rs store.RecordStore, tableID string, order model.RecordOrder, n int) (lo, hi float64, err error) {
	idx, err := rs.GetRecordIndexes(ctx, tableID, []string{order.AnchorID})
	if err != nil {
		return 0, 0, fmt.Errorf("read order of %s: %w", order.AnchorID, err)
	}
	anchor, ok := idx[order.AnchorID]
	if !ok {
		return 0, 0, &model.NotFoundError{Kind: "record", ID: order.AnchorID}
	}
	all, err := rs.ListRecords(ctx, tableID, []string{}, 0, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("list order of %s: %w", tableID, err)
	}

	if order.Position == model.PositionBefore {
		hi = anchor
		found := false
		for _, r := range all {
			if r.Order < anchor && (!found || r.Order > lo) {
				lo, found = r.Order, true
			}
		}
		if !found {
			lo = anchor - 1
			if anchor > 0 {
				lo = 0
			}
		}
		return lo, hi, nil
	}

	lo = anchor
	found := false
	for _, r := range all {
		if r.Order > anchor && (!found || r.Order < hi) {
			hi, found = r.Order, true
		}
	}
	if !found {
		hi = anchor + float64(n+1)
	}
	return lo, hi, nil
}

// renumber spreads the table's records over 1..N in their current order.
func renumber(ctx context.Context, rs store.RecordStore, tableID string) error {
	all, err := rs.ListRecords(ctx, tableID, []string{}, 0, 0)
	if err != nil {
		return fmt.Errorf("list order of %s: %w", tableID, err)
	}
	indexes := make(map[string]float64, len(all))
	for i, r := range all {
		indexes[r.ID] = float64(i + 1)
	}
	if err := rs.UpdateRecordIndexes(ctx, tableID, indexes); err != nil {
		return fmt.Errorf("renumber %s: %w", tableID, err)
	}
	return nil
}

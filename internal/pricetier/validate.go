package pricetier

import (
	"errors"
	"fmt"
)

var (
	ErrNoTiers          = errors.New("no_tiers")
	ErrInvalidStart     = errors.New("invalid_range_start")
	ErrInvalidEnd       = errors.New("invalid_range_end")
	ErrNotContiguous    = errors.New("tiers_not_contiguous")
	ErrUnboundedNotLast = errors.New("unbounded_tier_not_last")
	ErrNegativeCost     = errors.New("negative_cost")
	ErrInvalidBatchSize = errors.New("invalid_units_per_batch")
	ErrInvalidKind      = errors.New("invalid_tier_kind")
	ErrInvalidRounding  = errors.New("invalid_batch_rounding")
)

// Validate checks tiers as authored, in the order given.
func Validate(tiers []Tier) error {
	if len(tiers) == 0 {
		return ErrNoTiers
	}
	if !tiers[0].RangeStart.IsZero() {
		return fmt.Errorf("tier 0: %w", ErrInvalidStart)
	}

	var errs []error
	for i, t := range tiers {
		switch t.Kind {
		case KindFree, KindFlat, KindPerUnit:
		default:
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrInvalidKind))
		}
		switch t.BatchRounding {
		case "", RoundUp, RoundDown, RoundNearest, NoRounding:
		default:
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrInvalidRounding))
		}
		if t.CostPerBatch.IsNegative() {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrNegativeCost))
		}
		if t.UnitsPerBatch != nil && t.UnitsPerBatch.IsNegative() {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrInvalidBatchSize))
		}
		if t.RangeStart.IsNegative() {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrInvalidStart))
		}
		if t.RangeEnd != nil && !t.RangeEnd.GreaterThan(t.RangeStart) {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrInvalidEnd))
		}

		if i == len(tiers)-1 {
			continue
		}
		next := tiers[i+1]
		if t.RangeEnd == nil {
			errs = append(errs, fmt.Errorf("tier %d: %w", i, ErrUnboundedNotLast))
			continue
		}
		if !t.RangeEnd.Equal(next.RangeStart) {
			errs = append(errs, fmt.Errorf("tier %d: %w", i+1, ErrNotContiguous))
		}
	}
	return errors.Join(errs...)
}

package domain

// WriteOrigin identifies the code path attempting to write an order item's
// remaining quantity. It is passed explicitly with every write; there is no
// ambient "recalculation mode" state.
//
// The zero value is OriginDirect, so a caller that forgets to set an origin
// fails closed at the guard.
type WriteOrigin int

const (
	// OriginDirect is any write that did not come through the engine.
	OriginDirect WriteOrigin = iota

	// OriginInitialize establishes remaining = requested at creation time.
	OriginInitialize

	// OriginEngine is a reconciliation adjustment (record/amend/cancel).
	OriginEngine

	// OriginRecalculation is the operator recovery path.
	OriginRecalculation
)

func (o WriteOrigin) String() string {
	switch o {
	case OriginInitialize:
		return "initialize"
	case OriginEngine:
		return "engine"
	case OriginRecalculation:
		return "recalculation"
	default:
		return "direct"
	}
}

// ValidateRemainingWrite is the direct-write guard. Every storage path that
// sets an order item's remaining quantity must call it before writing.
//
// The origin check comes first: a direct write that changes the value is
// forbidden outright, no matter what value it carries. Bounds are then
// re-validated for the privileged origins as the last line of defense:
//   - OriginInitialize must establish remaining = requested exactly.
//   - OriginEngine and OriginRecalculation may set any in-bounds value.
//   - OriginDirect may not change the stored value at all.
func ValidateRemainingWrite(oldQty, newQty, requested int, origin WriteOrigin) error {
	switch origin {
	case OriginInitialize, OriginEngine, OriginRecalculation:
	default:
		if newQty != oldQty {
			return ErrDirectMutationForbidden
		}
		return nil
	}

	if newQty < 0 || newQty > requested {
		if origin == OriginRecalculation {
			return ErrRecalculationInvariant
		}
		if newQty < 0 {
			return ErrWouldUnderflow
		}
		return ErrWouldExceedRequested
	}

	if origin == OriginInitialize && newQty != requested {
		return ErrDirectMutationForbidden
	}
	return nil
}

package order

// stage orders the non-terminal chain; a transition must strictly advance.
var stage = map[PairStatus]int{
	StatusPending:       0,
	StatusBuySubmitted:  1,
	StatusBuyExecuting:  2,
	StatusBuyCompleted:  3,
	StatusSellSubmitted: 4,
	StatusSellExecuting: 5,
	StatusCompleted:     6,
}

// Terminal reports whether s accepts no further transitions.
func (s PairStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s PairStatus) Valid() bool {
	_, ok := stage[s]
	return ok || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether from -> to is legal: terminal states are
// frozen, CANCELLED and FAILED are reachable from any live state, and
// everything else must move forward along the chain.
func CanTransition(from, to PairStatus) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusCancelled || to == StatusFailed {
		return true
	}
	return stage[to] > stage[from]
}

// Reached reports whether s is at or past target on the chain. Terminal
// failure states reach nothing.
func (s PairStatus) Reached(target PairStatus) bool {
	if s == target {
		return true
	}
	a, ok := stage[s]
	b, okT := stage[target]
	return ok && okT && a >= b
}

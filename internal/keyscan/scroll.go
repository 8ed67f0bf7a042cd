package keyscan

// ScaleValue divides *val by 2^scaleFactor, stores the quotient's remainder
// back into *val and returns the quotient. The remainder keeps the sign of
// the original value so sub-threshold motion accumulates correctly in both
// directions.
func ScaleValue(val *int16, scaleFactor uint8) int16 {
	v := *val
	neg := v < 0
	if neg {
		v = -v
	}
	result := v >> scaleFactor
	if result != 0 {
		v -= result << scaleFactor
		if neg {
			result = -result
			v = -v
		}
		*val = v
	}
	return result
}

// ScrollAccumulator folds raw scroll deltas into scaled motion pulses,
// carrying the fractional remainder between polls. After KeepFracPolls idle
// polls the remainder is discarded so stale sub-threshold motion does not
// surface much later.
type ScrollAccumulator struct {
	Negate        bool
	Scale         uint8
	KeepFracPolls uint8

	fractional     int16
	idlePollsSoFar uint8
}

// Fold consumes one poll's raw delta and returns the scaled motion to emit,
// if any.
func (a *ScrollAccumulator) Fold(delta int16) (int16, bool) {
	if a.Negate {
		delta = -delta
	}
	if a.Scale == 0 {
		if delta == 0 {
			return 0, false
		}
		a.idlePollsSoFar = 0
		return delta, true
	}
	a.fractional += delta
	motion := ScaleValue(&a.fractional, a.Scale)
	if motion != 0 {
		a.idlePollsSoFar = 0
		return motion, true
	}
	return 0, false
}

// Idle advances the idle poll counter for a poll with no emitted motion and
// drops the fractional remainder once the keep window has elapsed.
func (a *ScrollAccumulator) Idle() {
	if a.KeepFracPolls == 0 {
		return
	}
	a.idlePollsSoFar++
	if a.idlePollsSoFar >= a.KeepFracPolls {
		a.fractional = 0
		a.idlePollsSoFar = 0
	}
}

// Reset discards all accumulated state.
func (a *ScrollAccumulator) Reset() {
	a.fractional = 0
	a.idlePollsSoFar = 0
}

// Fractional returns the carried remainder, for tests and diagnostics.
func (a *ScrollAccumulator) Fractional() int16 {
	return a.fractional
}

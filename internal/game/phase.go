package game

import (
	"fmt"
	"strings"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseCrowding:    {PhaseWaiting},
	PhaseWaiting:     {PhaseIntroInput},
	PhaseIntroInput:  {PhaseIntroResult},
	PhaseIntroResult: {PhasePlaying},
	PhasePlaying:     {PhaseResult},
	// next round
	PhaseResult: {PhasePlaying},
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := phaseTransitions[p]; !ok {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// CanTransition reports whether from -> to is allowed. Re-entering the
// current phase is accepted as a no-op.
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidateTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

package production

// Phase is a production phase of a lot.
type Phase string

const (
	PhaseFermentation Phase = "FERMENTATION"
	PhaseConditioning Phase = "CONDITIONING"
	PhaseBright       Phase = "BRIGHT"
	PhasePackaging    Phase = "PACKAGING"
)

// PhaseOrder is the fixed order phases advance through.
var PhaseOrder = []Phase{PhaseFermentation, PhaseConditioning, PhaseBright, PhasePackaging}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.rank() >= 0
}

func (p Phase) rank() int {
	for i, ph := range PhaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// PhaseRule defines an allowed phase transition.
type PhaseRule struct {
	From Phase
	To   Phase
}

// DefaultPhaseRules allow each phase to move only to the next one.
var DefaultPhaseRules = []PhaseRule{
	{From: PhaseFermentation, To: PhaseConditioning},
	{From: PhaseConditioning, To: PhaseBright},
	{From: PhaseBright, To: PhasePackaging},
}

// PhaseMachine validates phase transitions.
type PhaseMachine struct {
	rules []PhaseRule
}

// NewPhaseMachine creates a machine with default rules.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{rules: DefaultPhaseRules}
}

// ValidateTransition returns nil if from->to is allowed. The same phase is a
// no-op and always allowed.
func (m *PhaseMachine) ValidateTransition(from, to Phase) error {
	if !to.Valid() {
		return Errorf(CodeInvalidArgument, "unknown phase %q", to)
	}
	if from == to {
		return nil
	}
	for _, r := range m.rules {
		if r.From == from && r.To == to {
			return nil
		}
	}
	if to.rank() < from.rank() {
		return Errorf(CodeInvalidStatusTransition, "phase cannot move backward from %s to %s", from, to)
	}
	return Errorf(CodeInvalidStatusTransition, "no phase transition defined from %s to %s", from, to)
}

// AllowedTransitions returns the phases reachable from the given phase.
func (m *PhaseMachine) AllowedTransitions(from Phase) []Phase {
	var allowed []Phase
	for _, r := range m.rules {
		if r.From == from {
			allowed = append(allowed, r.To)
		}
	}
	return allowed
}

// BatchStatusForPhase maps the phase of an open lot to the batch status it
// projects.
func BatchStatusForPhase(p Phase) BatchStatus {
	switch p {
	case PhaseFermentation:
		return BatchStatusFermenting
	case PhaseConditioning:
		return BatchStatusConditioning
	case PhaseBright:
		return BatchStatusReady
	case PhasePackaging:
		return BatchStatusPackaging
	}
	return ""
}

// leastAdvanced returns the earliest phase in PhaseOrder among phases.
func leastAdvanced(phases []Phase) Phase {
	best := phases[0]
	for _, p := range phases[1:] {
		if p.rank() < best.rank() {
			best = p
		}
	}
	return best
}

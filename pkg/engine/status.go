package engine

import (
	"fmt"
)

// Phase is the lifecycle state of one extension on one target.
type Phase string

const (
	// PhaseNotRequested is the implicit state of a pair with no events.
	PhaseNotRequested Phase = "not_requested"

	// PhaseRequested indicates the extension is part of an accepted plan.
	PhaseRequested Phase = "requested"

	// PhaseFetching indicates the artifact is being downloaded and verified.
	PhaseFetching Phase = "fetching"

	// PhaseConfiguring indicates configuration is being rendered.
	PhaseConfiguring Phase = "configuring"

	// PhaseInstalling indicates the install step is running.
	PhaseInstalling Phase = "installing"

	// PhaseValidating indicates the validate step is running.
	PhaseValidating Phase = "validating"

	// PhaseInstalled is the terminal success state.
	PhaseInstalled Phase = "installed"

	// PhaseFailed is terminal and records the originating phase in the event.
	PhaseFailed Phase = "failed"

	// PhaseRemoving indicates the remove step is running.
	PhaseRemoving Phase = "removing"

	// PhaseRemoved is the terminal state after uninstall.
	PhaseRemoved Phase = "removed"
)

// transitions lists the allowed successors of each phase. Failed is reachable
// from every phase but NotRequested, and Requested from every phase so that an
// interrupted pair can be attempted again.
var transitions = map[Phase][]Phase{
	PhaseNotRequested: {PhaseRequested},
	PhaseRequested:    {PhaseFetching, PhaseValidating, PhaseRemoving},
	PhaseFetching:     {PhaseConfiguring},
	PhaseConfiguring:  {PhaseInstalling},
	PhaseInstalling:   {PhaseValidating},
	PhaseValidating:   {PhaseInstalled},
	PhaseInstalled:    {PhaseRequested, PhaseValidating, PhaseRemoving},
	PhaseFailed:       {PhaseRequested, PhaseRemoving, PhaseValidating},
	PhaseRemoving:     {PhaseRemoved},
	PhaseRemoved:      {PhaseRequested},
}

// IsTerminal returns true for phases that end an operation.
func (p Phase) IsTerminal() bool {
	return p == PhaseInstalled || p == PhaseFailed || p == PhaseRemoved
}

// IsActive returns true for phases at or after Fetching that have no outcome yet.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseFetching, PhaseConfiguring, PhaseInstalling, PhaseValidating, PhaseRemoving:
		return true
	default:
		return false
	}
}

// Validate checks if the phase is known.
func (p Phase) Validate() error {
	if p == PhaseFailed {
		return nil
	}
	if _, ok := transitions[p]; !ok {
		return fmt.Errorf("invalid phase: %s", p)
	}
	return nil
}

// CanTransition reports whether from -> to is a legal edge of the state machine.
func CanTransition(from, to Phase) bool {
	if from == "" {
		from = PhaseNotRequested
	}
	switch to {
	case PhaseFailed:
		return from != PhaseNotRequested
	case PhaseRequested:
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for an illegal phase change.
func ValidateTransition(extension string, from, to Phase) error {
	if err := to.Validate(); err != nil {
		return NewPermanentError(err.Error(), nil).WithCode(ErrCodeInvalidTransition).WithResource(extension)
	}
	if !CanTransition(from, to) {
		return NewPermanentError(fmt.Sprintf("invalid transition %s -> %s", from, to), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(extension)
	}
	return nil
}

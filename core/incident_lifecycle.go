package core

import (
	"errors"
	"fmt"
	"time"
)

// validTransitions defines forward-only status moves. CLOSED has none here;
// reopening goes through Reopen, which requires an operator.
var validTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentOpen:       {IncidentEnriching, IncidentTriaged, IncidentResponding, IncidentClosed},
	IncidentEnriching:  {IncidentTriaged, IncidentResponding, IncidentClosed},
	IncidentTriaged:    {IncidentResponding, IncidentClosed},
	IncidentResponding: {IncidentClosed},
	IncidentClosed:     {},
}

// TransitionTo validates and applies a status change, appending a status_changed record
func (i *Incident) TransitionTo(newStatus IncidentStatus, actor, reason string, now time.Time) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}
	if !i.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, i.Status, newStatus, validTransitions[i.Status])
	}

	from := i.Status
	i.Status = newStatus
	i.appendTransition(Transition{Kind: TransitionStatusChanged, At: now, Actor: actor, From: from, To: newStatus, Detail: reason})
	return nil
}

// Reopen moves a CLOSED incident back to OPEN on an explicit operator action.
// Incidents closed by a merge stay closed; their events live in the target.
func (i *Incident) Reopen(operator, reason string, now time.Time) error {
	if operator == "" {
		return fmt.Errorf("%w: reopen requires an operator", ErrInvalidTransition)
	}
	if i.Status != IncidentClosed {
		return fmt.Errorf("%w: %s is not closed", ErrInvalidTransition, i.ID)
	}
	if i.MergedInto != "" {
		return fmt.Errorf("%w: %s was merged into %s", ErrInvalidTransition, i.ID, i.MergedInto)
	}

	i.Status = IncidentOpen
	i.appendTransition(Transition{Kind: TransitionStatusChanged, At: now, Actor: operator, From: IncidentClosed, To: IncidentOpen, Detail: reason})
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	for _, status := range validTransitions[i.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns all valid transitions from the current state
func (i *Incident) GetAllowedTransitions() []IncidentStatus {
	allowed := validTransitions[i.Status]
	result := make([]IncidentStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsFinalState reports whether no automatic transition leaves the current state
func (i *Incident) IsFinalState() bool {
	return len(validTransitions[i.Status]) == 0
}

// Advances reports whether moving from -> to is a forward step
func Advances(from, to IncidentStatus) bool {
	for _, status := range validTransitions[from] {
		if status == to {
			return true
		}
	}
	return false
}

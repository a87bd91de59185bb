package conversation

import (
	"context"
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusOpen:          {StatusAwaitingAgent, StatusHumanInLoop, StatusClosed, StatusArchived},
	StatusAwaitingAgent: {StatusOpen, StatusHumanInLoop, StatusClosed, StatusArchived},
	StatusHumanInLoop:   {StatusOpen, StatusAwaitingAgent, StatusClosed, StatusArchived},
}

// CanTransition reports whether from -> to is allowed. Terminal states have no exits.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves c to status `to`. A request for the current status is a
// no-op so racing identical commands converge.
func Transition(ctx context.Context, repo Repository, c Conversation, to Status, at time.Time) (Conversation, bool, error) {
	if !to.Valid() {
		return c, false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if c.Status == to {
		return c, false, nil
	}
	if !CanTransition(c.Status, to) {
		return c, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	if err := repo.SetStatus(ctx, c.ID, to, at); err != nil {
		return c, false, err
	}
	c.Status = to
	c.UpdatedAt = at
	return c, true, nil
}

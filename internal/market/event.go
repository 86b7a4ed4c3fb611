package market

import (
	"errors"
)

var (
	// ErrDuplicateEvent is returned when creating an event whose id exists.
	ErrDuplicateEvent = errors.New("market: duplicate event")

	// ErrUnknownEvent is returned when an event id does not exist.
	ErrUnknownEvent = errors.New("market: unknown event")

	// ErrEventStateMismatch is returned when an operation requires a
	// lifecycle state the event is not in.
	ErrEventStateMismatch = errors.New("market: event state mismatch")

	// ErrEventExpired is returned when a buy references an event past its
	// expiry that has not been resolved.
	ErrEventExpired = errors.New("market: event expired")
)

// EventState is the event lifecycle. Transitions are monotonic; resolved is
// terminal.
type EventState int32

const (
	EventStateCreated EventState = iota
	EventStateInitialPending
	EventStateInitialResolved
	EventStateResolved
)

func (s EventState) String() string {
	switch s {
	case EventStateCreated:
		return "Created"
	case EventStateInitialPending:
		return "InitialPending"
	case EventStateInitialResolved:
		return "InitialResolved"
	case EventStateResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions
func (s EventState) CanTransitionTo(next EventState) bool {
	validTransitions := map[EventState][]EventState{
		EventStateCreated: {
			EventStateInitialResolved,
		},
		EventStateInitialPending: {
			EventStateInitialResolved,
		},
		EventStateInitialResolved: {
			EventStateResolved,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}

	return false
}

// Event is one tradable event with its outcome book.
type Event struct {
	ID               uint64
	StartTime        int64 // epoch microseconds
	ExpireTime       int64 // epoch microseconds
	Status           EventState
	MarketIDs        []uint32
	InitialLiquidity int64

	// Volume is the aggregate open stake across all outcomes.
	Volume int64

	// OutcomeVolumes is the open stake per outcome. Outcomes register on
	// seeding or on first buy.
	OutcomeVolumes map[OutcomeID]int64

	// LastPrices is the latest admitted price per outcome, set by buys and
	// by the resolve-initial baseline.
	LastPrices map[OutcomeID]int64
}

// IsExpired reports whether the event is past expiry at the given time.
func (e *Event) IsExpired(now int64) bool {
	return e.ExpireTime > 0 && now > e.ExpireTime
}

// RegisterOutcome ensures the outcome has volume and price slots.
func (e *Event) RegisterOutcome(o OutcomeID) {
	if _, ok := e.OutcomeVolumes[o]; !ok {
		e.OutcomeVolumes[o] = 0
	}
}

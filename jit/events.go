package jit

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a compile event.
type EventKind int

const (
	EventStub EventKind = iota
	EventSkip
	EventStart
	EventSuccess
	EventFailure
)

var eventKindNames = [...]string{
	EventStub:    "stub",
	EventSkip:    "skip",
	EventStart:   "start",
	EventSuccess: "success",
	EventFailure: "failure",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event reports one step in the life of a stub.
type Event struct {
	Attempt  uuid.UUID
	Kind     EventKind
	Class    string
	Name     string
	OptLevel OptLevel
	Reason   string
	Err      error
	Offset   int // bytecode offset of a failure, -1 if unknown
	Duration time.Duration
	At       time.Time
}

// Observer receives compile events. It is called synchronously on the
// goroutine that produced the event.
type Observer func(Event)

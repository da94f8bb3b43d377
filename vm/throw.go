package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Control tags
// ---------------------------------------------------------------------------

// Tag discriminates which non-local control transfer is in flight.
// TagNone means normal flow.
type Tag int

const (
	TagNone Tag = iota
	TagReturn
	TagBreak
	TagNext
	TagRetry
	TagRedo
	TagRaise
	TagThrow
	TagFatal
)

var tagNames = [...]string{
	TagNone:   "none",
	TagReturn: "return",
	TagBreak:  "break",
	TagNext:   "next",
	TagRetry:  "retry",
	TagRedo:   "redo",
	TagRaise:  "raise",
	TagThrow:  "throw",
	TagFatal:  "fatal",
}

func (t Tag) String() string {
	if t >= 0 && int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", int(t))
}

// ---------------------------------------------------------------------------
// Throw: a non-local transfer travelling up the call stack
// ---------------------------------------------------------------------------

// Throw is returned as an error by anything that unwinds: raised
// exceptions, break/next/redo/retry out of blocks and handlers.
// Frames that recognise the tag resume; every other frame passes it on
// unchanged.
type Throw struct {
	Tag   Tag
	Value Value
}

func (t *Throw) Error() string {
	if t.Tag == TagRaise {
		if ex, ok := Unwrap(t.Value).(*Exception); ok {
			return ex.Error()
		}
	}
	return fmt.Sprintf("uncaught %s (%s)", t.Tag, t.Value)
}

// NewThrow returns a non-local transfer carrying v.
func NewThrow(tag Tag, v Value) *Throw {
	return &Throw{Tag: tag, Value: v}
}

// AsThrow reports whether err is a non-local transfer.
func AsThrow(err error) (*Throw, bool) {
	var t *Throw
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// ParseTag resolves a tag by name.
func ParseTag(name string) (Tag, error) {
	for t, n := range tagNames {
		if n == name {
			return Tag(t), nil
		}
	}
	return TagNone, fmt.Errorf("unknown tag %q", name)
}

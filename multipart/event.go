package multipart

import (
	"fmt"
)

// EventKind is the type of an Event returned by Parser.Next.
type EventKind int

const (
	EventStartMessage EventKind = iota // Once, first event.
	EventStartPart                     // Once per part.
	EventHeaders                       // Once per part, Event.Header is set.
	EventContent                       // Zero or more per part, Event.Data is set, never empty.
	EventEndPart                       // Once per part.
	EventEndMessage                    // Once, last event.
)

var eventKindStrings = []string{
	"start-message",
	"start-part",
	"headers",
	"content",
	"end-part",
	"end-message",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindStrings) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventKindStrings[k]
}

// Event is a single step in parsing a multipart message.
//
// Data of a content event is owned by the caller, the parser does not modify
// it after returning it.
type Event struct {
	Kind   EventKind
	Header Header // For EventHeaders.
	Data   []byte // For EventContent.
}

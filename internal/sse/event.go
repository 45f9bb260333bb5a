package sse

import "encoding/json"

// Kind tells how an event's text was obtained.
type Kind int

const (
	// KindStructured is the text member of a JSON payload.
	KindStructured Kind = iota + 1
	// KindRaw is a payload delivered verbatim because it was not a JSON
	// object with a string text member.
	KindRaw
	// KindChallenge is the synthetic message substituted for a challenge page.
	KindChallenge
)

func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindRaw:
		return "raw"
	case KindChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// Event is one fragment of text decoded from the stream.
type Event struct {
	Kind Kind
	Text string
}

// Payload is the interpretation of the data carried by one event.
type Payload struct {
	Kind Kind // KindStructured or KindRaw
	Text string
}

// Event converts the payload into a deliverable event.
func (p Payload) Event() Event {
	return Event{Kind: p.Kind, Text: p.Text}
}

type textPayload struct {
	Text *string `json:"text"`
}

// Interpret decodes an event payload. A JSON object with a string "text"
// member yields that string; anything else is kept as raw text.
func Interpret(data string) Payload {
	var p textPayload
	if err := json.Unmarshal([]byte(data), &p); err == nil && p.Text != nil {
		return Payload{Kind: KindStructured, Text: *p.Text}
	}
	return Payload{Kind: KindRaw, Text: data}
}

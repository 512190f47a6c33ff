package domain

// EventKind discriminates the three inbound event shapes delivered by the
// chat front end.
type EventKind string

const (
	EventCommand   EventKind = "command"
	EventSelection EventKind = "selection"
	EventText      EventKind = "text"
)

// Event is an abstract front-end event. The transport (message routing,
// button rendering, polling) lives outside this module; it delivers events
// in this shape and renders the returned Action however it likes.
type Event struct {
	UserID  string    `json:"userId"`
	Kind    EventKind `json:"kind"`
	Payload string    `json:"payload"`
}

// Option is a selectable action offered alongside a message. Value is the
// payload the front end should send back as a selection event.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Action is the abstract reply surfaced to the front end.
type Action struct {
	Message string   `json:"message"`
	Options []Option `json:"options,omitempty"`
}

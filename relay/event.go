package relay

// Tag marks a status or error event sent to the client in brackets.
type Tag string

const (
	TagOpen       Tag = "WS_OPEN"
	TagReady      Tag = "WS_READY"
	TagClosed     Tag = "WS_CLOSED"
	TagError      Tag = "ERROR"
	TagParseError Tag = "PARSE_ERROR"
	TagSendError  Tag = "SEND_ERROR"
)

// Event is one text frame for the client: recognized text when Tag is
// empty, otherwise a bracketed tag with an optional message.
type Event struct {
	Tag  Tag
	Text string
}

func (e Event) String() string {
	switch {
	case e.Tag == "":
		return e.Text
	case e.Text == "":
		return "[" + string(e.Tag) + "]"
	default:
		return "[" + string(e.Tag) + "] " + e.Text
	}
}

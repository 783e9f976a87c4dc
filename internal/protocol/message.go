package protocol

import "fmt"

// Message is the unit exchanged between nodes. Every message that is not a response is a request,
// and its ID is echoed in the response that answers it.
type Message struct {
	ID          uint64
	Source      Address
	Destination Address
	IsResponse  bool
	Payload     []byte
}

func (m *Message) String() string {
	kind := "request"
	if m.IsResponse {
		kind = "response"
	}
	return fmt.Sprintf("%s %d %s -> %s (%d bytes)", kind, m.ID, m.Source, m.Destination, len(m.Payload))
}

func (m *Message) kind() string {
	if m.IsResponse {
		return "response"
	}
	return "request"
}

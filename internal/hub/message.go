package hub

import "encoding/json"

// Sender names and bodies of notices generated by the hub itself.
const (
	SystemSender     = "System"
	NotFoundBody     = "Client not found"
	DisconnectedBody = "Disconnected"
)

// Message is the only envelope relayed to clients.
type Message struct {
	Body   string `json:"message"`
	Sender string `json:"username"`
}

// Encode returns the JSON wire form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func notFoundMessage() Message {
	return Message{Body: NotFoundBody, Sender: SystemSender}
}

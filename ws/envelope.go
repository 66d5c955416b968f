package ws

import "github.com/bytedance/sonic"

// Message discriminators used on the wire.
const (
	msgAuth      = "auth"
	msgPing      = "ping"
	msgPong      = "pong"
	msgConnected = "connected"
	msgTaskSync  = "task_sync"
)

// Envelope is the single-frame wire format: a discriminator with payload,
// or an error payload on its own.
type Envelope struct {
	T string `json:"t,omitempty"`
	D any    `json:"d,omitempty"`
	E any    `json:"e,omitempty"`
}

// inboundEnvelope defers payload decoding until the discriminator is known.
type inboundEnvelope struct {
	T string                 `json:"t"`
	D sonic.NoCopyRawMessage `json:"d,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

func errorEnvelope(message string) []byte {
	data, err := sonic.Marshal(Envelope{E: errorPayload{Message: message}})
	if err != nil {
		return nil
	}
	return data
}

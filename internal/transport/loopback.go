// Package transport provides secure-channel implementations for the
// publish engine: an in-memory loopback used by tests and the demo
// harness, and an MQTT bridge that taps emitted notifications onto the
// unified namespace.
package transport

import (
	"sync"

	"github.com/gopcua/opcua/ua"
)

// SentResponse is a recorded emission: the request id it answered and the
// response envelope.
type SentResponse struct {
	RequestID uint32
	Response  *ua.PublishResponse
}

// Loopback is an in-memory secure channel that records every response it
// is handed.
type Loopback struct {
	mu        sync.Mutex
	responses []SentResponse
}

// NewLoopback creates an empty loopback channel.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// SendResponse records the response.
func (l *Loopback) SendResponse(requestID uint32, response *ua.PublishResponse) error {
	l.mu.Lock()
	l.responses = append(l.responses, SentResponse{RequestID: requestID, Response: response})
	l.mu.Unlock()
	return nil
}

// Responses returns a copy of everything sent so far, in emission order.
func (l *Loopback) Responses() []SentResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SentResponse, len(l.responses))
	copy(out, l.responses)
	return out
}

// Last returns the most recently sent response, nil if none.
func (l *Loopback) Last() *SentResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.responses) == 0 {
		return nil
	}
	last := l.responses[len(l.responses)-1]
	return &last
}

// Reset drops all recorded responses.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.responses = nil
	l.mu.Unlock()
}

// IsConnected always reports true; the loopback cannot fail.
func (l *Loopback) IsConnected() bool {
	return true
}

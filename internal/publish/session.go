package publish

import (
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

// SecureChannel is the transport the engine emits publish responses
// through. Implementations are expected to be non-blocking or buffered;
// the engine treats sends as fire-and-forget.
type SecureChannel interface {
	SendResponse(requestID uint32, response *ua.PublishResponse) error
}

// PublishResponseEntry is a deferred publish request: the pre-allocated
// response envelope together with the secure channel request id it will
// answer. Entries are consumed FIFO.
type PublishResponseEntry struct {
	RequestID uint32
	Response  *ua.PublishResponse
}

// Session owns its subscriptions and the queue of publish requests the
// client has banked in advance. Subscriptions hold a non-owning back
// reference; Engine.CloseSession invalidates it for any tick still
// scheduled.
type Session struct {
	id      string
	channel SecureChannel
	valid   bool

	responseQueue []*PublishResponseEntry

	subOrder []*Subscription
	subs     map[uint32]*Subscription

	logger zerolog.Logger
}

// NewSession creates a session with no channel attached.
func NewSession(id string, logger zerolog.Logger) *Session {
	return &Session{
		id:    id,
		valid: true,
		subs:  make(map[uint32]*Subscription),
		logger: logger.With().
			Str("component", "session").
			Str("session_id", id).
			Logger(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Valid reports whether the session is still alive. Ticks against a
// closed session are no-ops.
func (s *Session) Valid() bool {
	return s.valid
}

// AttachChannel binds the secure channel responses are sent on.
func (s *Session) AttachChannel(channel SecureChannel) {
	s.channel = channel
}

// DetachChannel drops the secure channel. Subscriptions keep running, but
// their ticks send nothing, consume no publish request and leave the
// lifetime count untouched until a channel returns.
func (s *Session) DetachChannel() {
	s.channel = nil
}

// Channel returns the attached secure channel, nil if none.
func (s *Session) Channel() SecureChannel {
	if !s.valid {
		return nil
	}
	return s.channel
}

// EnqueuePublishRequest banks a publish request for a later tick. The
// response envelope may be pre-populated (acknowledgement results,
// request handle); a nil response gets a fresh envelope.
func (s *Session) EnqueuePublishRequest(requestID uint32, response *ua.PublishResponse) {
	if response == nil {
		response = &ua.PublishResponse{}
	}
	s.responseQueue = append(s.responseQueue, &PublishResponseEntry{
		RequestID: requestID,
		Response:  response,
	})
}

// PendingPublishRequests returns the number of banked publish requests.
func (s *Session) PendingPublishRequests() int {
	return len(s.responseQueue)
}

// peekPublishRequest returns the oldest banked request without consuming
// it, nil if the queue is empty.
func (s *Session) peekPublishRequest() *PublishResponseEntry {
	if len(s.responseQueue) == 0 {
		return nil
	}
	return s.responseQueue[0]
}

// dequeuePublishRequest consumes the oldest banked request.
func (s *Session) dequeuePublishRequest() *PublishResponseEntry {
	if len(s.responseQueue) == 0 {
		return nil
	}
	entry := s.responseQueue[0]
	s.responseQueue[0] = nil
	s.responseQueue = s.responseQueue[1:]
	return entry
}

// Subscription looks up a subscription by id.
func (s *Session) Subscription(subscriptionID uint32) (*Subscription, bool) {
	sub, ok := s.subs[subscriptionID]
	return sub, ok
}

// Subscriptions returns the owned subscriptions in creation order. The
// slice is shared; callers must not mutate it.
func (s *Session) Subscriptions() []*Subscription {
	return s.subOrder
}

// SubscriptionCount returns the number of live subscriptions.
func (s *Session) SubscriptionCount() int {
	return len(s.subs)
}

func (s *Session) addSubscription(sub *Subscription) {
	s.subOrder = append(s.subOrder, sub)
	s.subs[sub.id] = sub
}

func (s *Session) removeSubscription(sub *Subscription) {
	delete(s.subs, sub.id)
	for i, candidate := range s.subOrder {
		if candidate == sub {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
}

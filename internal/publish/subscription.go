package publish

import (
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

// State describes where a subscription is in its publish state machine.
type State int

const (
	// StateNormal is the steady state: ticks either publish or advance
	// the keep-alive counter.
	StateNormal State = iota

	// StateLate means the last tick had something to send but found no
	// publish request queued. One grace tick before lifetime counting.
	StateLate

	// StateKeepAlive completes the protocol's state set. The publish
	// tick never enters it; keep-alives are sent from StateNormal.
	StateKeepAlive
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateLate:
		return "late"
	case StateKeepAlive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Parameters are the negotiated settings of a subscription. The service
// layer revises client requests against server limits before they get
// here; the engine tolerates any positive values.
type Parameters struct {
	// PublishingInterval determines the tick period
	PublishingInterval time.Duration

	// LifetimeCount is the number of late ticks before the subscription expires
	LifetimeCount uint32

	// MaxKeepAliveCount is the number of silent ticks before a keep-alive is due
	MaxKeepAliveCount uint32

	// MaxNotificationsPerPublish bounds a single response. Zero is
	// normalized to an effectively unbounded response.
	MaxNotificationsPerPublish uint32

	// PublishingEnabled gates notification draining; disabled
	// subscriptions still emit keep-alives
	PublishingEnabled bool

	// Priority is carried for protocol completeness; this server does
	// not reorder publishes across subscriptions
	Priority uint8
}

// Subscription is a long-lived server-side context delivering
// monitored-item updates to a session on a periodic schedule. It owns its
// monitored items and its retransmission queue; the session owns it.
type Subscription struct {
	id      uint32
	session *Session
	params  Parameters

	sequenceNumber        uint32
	currentKeepAliveCount uint32
	currentLifetimeCount  uint32
	state                 State

	itemOrder []*MonitoredItem
	items     map[uint32]*MonitoredItem

	retransmission *retransmissionQueue

	publishCallbackID         uint64
	publishCallbackRegistered bool

	logger zerolog.Logger
}

// NewSubscription creates a subscription in the normal state with empty
// queues and zeroed counters. No publish callback is registered yet.
func NewSubscription(session *Session, subscriptionID uint32, params Parameters, logger zerolog.Logger) *Subscription {
	if params.MaxNotificationsPerPublish == 0 {
		params.MaxNotificationsPerPublish = ^uint32(0)
	}
	return &Subscription{
		id:             subscriptionID,
		session:        session,
		params:         params,
		state:          StateNormal,
		items:          make(map[uint32]*MonitoredItem),
		retransmission: newRetransmissionQueue(),
		logger: logger.With().
			Str("component", "subscription").
			Uint32("subscription_id", subscriptionID).
			Logger(),
	}
}

// ID returns the subscription identifier, unique within the session.
func (sub *Subscription) ID() uint32 {
	return sub.id
}

// Session returns the owning session.
func (sub *Subscription) Session() *Session {
	return sub.session
}

// State returns the current publish state.
func (sub *Subscription) State() State {
	return sub.state
}

// Parameters returns the negotiated settings.
func (sub *Subscription) Parameters() Parameters {
	return sub.params
}

// SequenceNumber returns the last sequence number used for a data-bearing
// publish, zero if none was sent yet.
func (sub *Subscription) SequenceNumber() uint32 {
	return sub.sequenceNumber
}

// SetPublishingEnabled toggles notification draining. The counters are
// untouched; a disabled subscription behaves like one with empty queues.
func (sub *Subscription) SetPublishingEnabled(enabled bool) {
	sub.params.PublishingEnabled = enabled
}

// AddMonitoredItem hands ownership of an item to the subscription. Items
// are drained in insertion order.
func (sub *Subscription) AddMonitoredItem(item *MonitoredItem) {
	sub.itemOrder = append(sub.itemOrder, item)
	sub.items[item.ID()] = item
}

// MonitoredItem looks up an item by id.
func (sub *Subscription) MonitoredItem(itemID uint32) (*MonitoredItem, bool) {
	item, ok := sub.items[itemID]
	return item, ok
}

// MonitoredItems returns the owned items in insertion order. The slice is
// shared; callers must not mutate it.
func (sub *Subscription) MonitoredItems() []*MonitoredItem {
	return sub.itemOrder
}

// DeleteMonitoredItem removes an item, releasing its sampling
// registration and queued values.
func (sub *Subscription) DeleteMonitoredItem(itemID uint32) error {
	item, ok := sub.items[itemID]
	if !ok {
		return ErrMonitoredItemIDInvalid
	}
	delete(sub.items, itemID)
	for i, it := range sub.itemOrder {
		if it == item {
			sub.itemOrder = append(sub.itemOrder[:i], sub.itemOrder[i+1:]...)
			break
		}
	}
	item.delete()
	return nil
}

// RemoveRetransmissionMessage acknowledges a sent notification message,
// releasing it from the retransmission queue.
func (sub *Subscription) RemoveRetransmissionMessage(sequenceNumber uint32) error {
	if !sub.retransmission.remove(sequenceNumber) {
		return ErrSequenceNumberUnknown
	}
	return nil
}

// RetransmissionMessage returns the retained message with the given
// sequence number for republishing, or nil if it was acknowledged or
// evicted.
func (sub *Subscription) RetransmissionMessage(sequenceNumber uint32) *ua.NotificationMessage {
	return sub.retransmission.find(sequenceNumber)
}

// AvailableSequenceNumbers snapshots the retransmission queue, newest
// first.
func (sub *Subscription) AvailableSequenceNumbers() []uint32 {
	return sub.retransmission.sequenceNumbers()
}

// RetransmissionQueueLen returns the number of retained messages.
func (sub *Subscription) RetransmissionQueueLen() int {
	return sub.retransmission.len()
}

// countQueuedNotifications walks all monitored items and sums the queued
// values, stopping the count at the per-publish bound. moreNotifications
// is set when the bound is reached while values remain.
func (sub *Subscription) countQueuedNotifications(moreNotifications *bool) uint32 {
	if !sub.params.PublishingEnabled {
		return 0
	}
	var notifications uint32
	for _, item := range sub.itemOrder {
		for range item.queue {
			if notifications >= sub.params.MaxNotificationsPerPublish {
				*moreNotifications = true
				break
			}
			notifications++
		}
	}
	return notifications
}

// nextSequenceNumber advances a publish sequence number with the OPC UA
// wrap: 2^32-1 is followed by 1, zero stays reserved.
func nextSequenceNumber(current uint32) uint32 {
	next := current + 1
	if next == 0 {
		next = 1
	}
	return next
}

// deleteMembers releases everything the subscription owns. The publish
// callback must already be unregistered.
func (sub *Subscription) deleteMembers() {
	for _, item := range sub.itemOrder {
		item.delete()
	}
	sub.itemOrder = nil
	sub.items = make(map[uint32]*MonitoredItem)
	sub.retransmission.clear()
}

// Package publish implements the subscription publish engine of the OPC UA
// server: it maintains subscriptions on behalf of client sessions,
// accumulates value-change notifications from monitored items, and answers
// banked publish requests with sequence-numbered, retransmittable
// notification messages.
package publish

import (
	"time"

	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/rs/zerolog"
)

// Scheduler is the repeated-callback timer service the engine registers
// publish ticks with. Callbacks for the same session must be dispatched
// serially.
type Scheduler interface {
	AddRepeatedCallback(callback func(), period time.Duration) (uint64, error)
	RemoveRepeatedCallback(callbackID uint64)
}

// Limits bounds the engine's per-subscription memory.
type Limits struct {
	// MaxRetransmissionQueueSize bounds sent-but-unacknowledged messages
	// per subscription. Zero means unbounded.
	MaxRetransmissionQueueSize int
}

// Engine drives publish ticks for all subscriptions. It holds only
// transient references during a tick; sessions own their subscriptions
// and request queues.
type Engine struct {
	limits    Limits
	scheduler Scheduler
	logger    zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	nextSubscriptionID uint32
}

// NewEngine creates the publish engine.
func NewEngine(limits Limits, scheduler Scheduler, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		limits:    limits,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "publish-engine").Logger(),
		metrics:   metricsReg,
		now:       time.Now,
	}
}

// SetClock overrides the time source, for deterministic tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// CreateSubscription allocates a subscription id, creates the
// subscription and hands ownership to the session. The publish callback
// is not registered yet.
func (e *Engine) CreateSubscription(session *Session, params Parameters) (*Subscription, error) {
	if params.PublishingInterval <= 0 {
		return nil, ErrPublishingIntervalShort
	}
	if !session.valid {
		return nil, ErrSessionClosed
	}
	e.nextSubscriptionID = nextSequenceNumber(e.nextSubscriptionID)
	sub := NewSubscription(session, e.nextSubscriptionID, params, e.logger)
	session.addSubscription(sub)
	e.metrics.AddActiveSubscriptions(1)

	sub.logger.Info().
		Dur("publishing_interval", params.PublishingInterval).
		Uint32("lifetime_count", params.LifetimeCount).
		Uint32("max_keepalive_count", params.MaxKeepAliveCount).
		Bool("publishing_enabled", params.PublishingEnabled).
		Msg("Created subscription")
	return sub, nil
}

// RegisterPublishCallback schedules the periodic publish tick for the
// subscription. Idempotent.
func (e *Engine) RegisterPublishCallback(sub *Subscription) error {
	if sub.publishCallbackRegistered {
		return nil
	}
	callbackID, err := e.scheduler.AddRepeatedCallback(func() {
		e.PublishCallback(sub)
	}, sub.params.PublishingInterval)
	if err != nil {
		return err
	}
	sub.publishCallbackID = callbackID
	sub.publishCallbackRegistered = true
	sub.logger.Debug().Msg("Registered publishing callback")
	return nil
}

// UnregisterPublishCallback removes the periodic tick. Idempotent.
func (e *Engine) UnregisterPublishCallback(sub *Subscription) {
	if !sub.publishCallbackRegistered {
		return
	}
	e.scheduler.RemoveRepeatedCallback(sub.publishCallbackID)
	sub.publishCallbackRegistered = false
	sub.logger.Debug().Msg("Unregistered publishing callback")
}

// DeleteSubscription tears a subscription down: the callback is
// unregistered, every monitored item is deleted and the retransmission
// queue is drained.
func (e *Engine) DeleteSubscription(session *Session, subscriptionID uint32) error {
	sub, ok := session.subs[subscriptionID]
	if !ok {
		return ErrSubscriptionIDInvalid
	}
	e.UnregisterPublishCallback(sub)
	e.metrics.AddMonitoredItems(-float64(len(sub.itemOrder)))
	sub.deleteMembers()
	session.removeSubscription(sub)
	e.metrics.AddActiveSubscriptions(-1)
	sub.logger.Info().Msg("Deleted subscription")
	return nil
}

// AddMonitoredItem attaches an item to a subscription, bookkeeping the
// item gauge.
func (e *Engine) AddMonitoredItem(sub *Subscription, item *MonitoredItem) {
	sub.AddMonitoredItem(item)
	e.metrics.AddMonitoredItems(1)
}

// DeleteMonitoredItem removes an item from a subscription.
func (e *Engine) DeleteMonitoredItem(sub *Subscription, itemID uint32) error {
	if err := sub.DeleteMonitoredItem(itemID); err != nil {
		return err
	}
	e.metrics.AddMonitoredItems(-1)
	return nil
}

// CloseSession invalidates the session, deletes every subscription and
// flushes any banked publish requests with BadNoSubscription.
func (e *Engine) CloseSession(session *Session) {
	if session == nil || !session.valid {
		return
	}
	for len(session.subOrder) > 0 {
		_ = e.DeleteSubscription(session, session.subOrder[0].id)
	}
	e.AnswerPublishRequestsNoSubscription(session)
	session.valid = false
	session.channel = nil
	session.logger.Info().Msg("Session closed")
}

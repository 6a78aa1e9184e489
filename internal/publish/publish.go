package publish

import (
	uaid "github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// PublishCallback runs publish ticks for the subscription until there is
// nothing more to send. The scheduler invokes it at the publishing
// interval; hosts may also call it directly to trigger an immediate
// publish. Continuation on moreNotifications is iterative to bound stack
// depth.
func (e *Engine) PublishCallback(sub *Subscription) {
	for e.publishOnce(sub) {
	}
}

// publishOnce executes a single tick of the publish state machine and
// reports whether the tick must re-enter because notifications remain.
func (e *Engine) publishOnce(sub *Subscription) bool {
	session := sub.session
	if session == nil || !session.valid {
		return false
	}

	start := e.now()
	defer func() {
		e.metrics.ObserveTickDuration(e.now().Sub(start).Seconds())
	}()

	// Count the available notifications
	moreNotifications := false
	notifications := sub.countQueuedNotifications(&moreNotifications)

	// Nothing queued: stay silent until a keep-alive is due
	if notifications == 0 {
		sub.currentKeepAliveCount++
		if sub.currentKeepAliveCount < sub.params.MaxKeepAliveCount {
			return false
		}
		sub.logger.Debug().Msg("Sending a keep-alive")
	}

	channel := session.Channel()
	if channel == nil {
		return false
	}

	// Publish-request rendezvous. The queue is consulted but not consumed
	// until the response is fully prepared.
	entry := session.peekPublishRequest()
	if entry == nil {
		sub.logger.Debug().Msg("Cannot send a publish response, the request queue is empty")
		if sub.state != StateLate {
			sub.state = StateLate
			e.metrics.IncLateTransitions()
			return false
		}
		sub.currentLifetimeCount++
		if sub.currentLifetimeCount > sub.params.LifetimeCount {
			sub.logger.Info().
				Uint32("lifetime_count", sub.params.LifetimeCount).
				Msg("End of lifetime for subscription")
			e.metrics.IncSubscriptionsExpired()
			_ = e.DeleteSubscription(session, sub.id)
			e.AnswerPublishRequestsNoSubscription(session)
		}
		return false
	}

	response := entry.Response
	if response.NotificationMessage == nil {
		response.NotificationMessage = &ua.NotificationMessage{}
	}
	message := response.NotificationMessage
	if notifications > 0 {
		sub.prepareNotificationMessage(message, notifications)
	}

	// The point of no return: the request is consumed and the response
	// committed.
	session.dequeuePublishRequest()

	now := e.now()
	if response.ResponseHeader == nil {
		response.ResponseHeader = &ua.ResponseHeader{}
	}
	response.ResponseHeader.Timestamp = now
	response.ResponseHeader.ServiceResult = ua.StatusOK
	response.SubscriptionID = sub.id
	response.MoreNotifications = moreNotifications
	message.PublishTime = now
	if notifications == 0 {
		// Preview the sequence number of the next notification without
		// consuming it
		message.SequenceNumber = nextSequenceNumber(sub.sequenceNumber)
	} else {
		sub.sequenceNumber = nextSequenceNumber(sub.sequenceNumber)
		message.SequenceNumber = sub.sequenceNumber

		// Retain the message before snapshotting so it is itself among
		// the available sequence numbers of this response
		if evicted := sub.retransmission.push(message, e.limits.MaxRetransmissionQueueSize); evicted != nil {
			sub.logger.Debug().
				Uint32("sequence_number", evicted.SequenceNumber).
				Msg("Evicted oldest retransmission message")
		}
	}
	response.AvailableSequenceNumbers = sub.retransmission.sequenceNumbers()
	e.metrics.SetRetransmissionEntries(float64(sub.retransmission.len()))

	sub.logger.Debug().
		Uint32("sequence_number", message.SequenceNumber).
		Uint32("notifications", notifications).
		Bool("more_notifications", moreNotifications).
		Msg("Sending out a publish response")
	if err := channel.SendResponse(entry.RequestID, response); err != nil {
		// Fire-and-forget: the message is already retained for
		// retransmission, the client recovers via republish
		e.metrics.IncSendErrors()
		sub.logger.Warn().Err(err).Msg("Failed to send publish response")
	}

	if notifications == 0 {
		e.metrics.IncKeepAlives()
	} else {
		e.metrics.IncPublishResponses()
		e.metrics.AddNotificationsSent(int64(notifications))
	}

	sub.state = StateNormal
	sub.currentKeepAliveCount = 0
	sub.currentLifetimeCount = 0

	return moreNotifications
}

// prepareNotificationMessage moves up to notifications queued values into
// a single DataChangeNotification, draining monitored items in insertion
// order.
func (sub *Subscription) prepareNotificationMessage(message *ua.NotificationMessage, notifications uint32) {
	dcn := &ua.DataChangeNotification{
		MonitoredItems: make([]*ua.MonitoredItemNotification, 0, notifications),
	}
	var moved uint32
	for _, item := range sub.itemOrder {
		for item.QueueLen() > 0 {
			if moved >= notifications {
				break
			}
			qv := item.dequeue()
			dcn.MonitoredItems = append(dcn.MonitoredItems, &ua.MonitoredItemNotification{
				ClientHandle: qv.ClientHandle,
				Value:        qv.Value,
			})
			moved++
		}
		if moved >= notifications {
			break
		}
	}
	message.NotificationData = []*ua.ExtensionObject{
		{
			EncodingMask: ua.ExtensionObjectBinary,
			TypeID: &ua.ExpandedNodeID{
				NodeID: ua.NewNumericNodeID(0, uaid.DataChangeNotification_Encoding_DefaultBinary),
			},
			Value: dcn,
		},
	}
}

// AnswerPublishRequestsNoSubscription flushes every banked publish
// request of a session that has no subscriptions left, answering each
// with BadNoSubscription. Safe to call repeatedly and after the session
// has died.
func (e *Engine) AnswerPublishRequestsNoSubscription(session *Session) {
	if session == nil || len(session.subs) > 0 {
		return
	}
	channel := session.Channel()
	for {
		entry := session.dequeuePublishRequest()
		if entry == nil {
			return
		}
		response := entry.Response
		if response.ResponseHeader == nil {
			response.ResponseHeader = &ua.ResponseHeader{}
		}
		response.ResponseHeader.ServiceResult = ua.StatusBadNoSubscription
		response.ResponseHeader.Timestamp = e.now()
		if channel != nil {
			if err := channel.SendResponse(entry.RequestID, response); err != nil {
				e.metrics.IncSendErrors()
				session.logger.Warn().Err(err).Msg("Failed to send BadNoSubscription response")
			}
		}
		e.metrics.IncRescueResponses()
	}
}

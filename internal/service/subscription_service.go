// Package service implements the OPC UA subscription service set on top
// of the publish engine: Publish, Republish, CreateSubscription,
// SetPublishingMode and DeleteSubscriptions. Requests arrive as decoded
// ua structs; wire framing and security are handled elsewhere.
package service

import (
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/nexus-edge/opcua-server/internal/publish"
	"github.com/rs/zerolog"
)

// Limits are the server-wide bounds subscription parameters are revised
// against before they reach the engine.
type Limits struct {
	MinPublishingInterval      time.Duration
	MaxPublishingInterval      time.Duration
	MaxKeepAliveCount          uint32
	MaxLifetimeCount           uint32
	MaxNotificationsPerPublish uint32
}

// Service dispatches subscription service requests for a session.
type Service struct {
	engine  *publish.Engine
	limits  Limits
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewService creates the subscription service handler.
func NewService(engine *publish.Engine, limits Limits, logger zerolog.Logger, metricsReg *metrics.Registry) *Service {
	if limits.MinPublishingInterval <= 0 {
		limits.MinPublishingInterval = 50 * time.Millisecond
	}
	if limits.MaxPublishingInterval <= 0 {
		limits.MaxPublishingInterval = time.Hour
	}
	if limits.MaxKeepAliveCount == 0 {
		limits.MaxKeepAliveCount = 10000
	}
	if limits.MaxLifetimeCount == 0 {
		limits.MaxLifetimeCount = 30000
	}
	return &Service{
		engine:  engine,
		limits:  limits,
		logger:  logger.With().Str("component", "subscription-service").Logger(),
		metrics: metricsReg,
	}
}

// Publish processes a client Publish request: acknowledgements release
// retransmission entries, then the request is banked for the next tick.
// A session without subscriptions is answered immediately with
// BadNoSubscription; otherwise any late subscription gets an immediate
// tick so the banked request is consumed without waiting a full period.
// The returned results mirror what was stored in the banked envelope.
func (s *Service) Publish(session *publish.Session, requestID uint32, req *ua.PublishRequest) []ua.StatusCode {
	results := make([]ua.StatusCode, len(req.SubscriptionAcknowledgements))
	for i, ack := range req.SubscriptionAcknowledgements {
		sub, ok := session.Subscription(ack.SubscriptionID)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		if err := sub.RemoveRetransmissionMessage(ack.SequenceNumber); err != nil {
			results[i] = publish.StatusFromError(err)
			s.metrics.IncAcksRejected()
			s.logger.Debug().
				Uint32("subscription_id", ack.SubscriptionID).
				Uint32("sequence_number", ack.SequenceNumber).
				Msg("Acknowledgement names an unknown sequence number")
			continue
		}
		results[i] = ua.StatusOK
	}

	response := &ua.PublishResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req.RequestHeader),
		},
		NotificationMessage: &ua.NotificationMessage{},
		Results:             results,
	}
	session.EnqueuePublishRequest(requestID, response)

	if session.SubscriptionCount() == 0 {
		s.engine.AnswerPublishRequestsNoSubscription(session)
		return results
	}

	for _, sub := range session.Subscriptions() {
		if sub.State() == publish.StateLate {
			s.engine.PublishCallback(sub)
		}
	}
	return results
}

// Republish re-delivers a retained notification message from the
// subscription's retransmission queue.
func (s *Service) Republish(session *publish.Session, req *ua.RepublishRequest) *ua.RepublishResponse {
	response := &ua.RepublishResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req.RequestHeader),
			Timestamp:     time.Now(),
			ServiceResult: ua.StatusOK,
		},
		NotificationMessage: &ua.NotificationMessage{},
	}

	sub, ok := session.Subscription(req.SubscriptionID)
	if !ok {
		response.ResponseHeader.ServiceResult = ua.StatusBadSubscriptionIDInvalid
		return response
	}
	message := sub.RetransmissionMessage(req.RetransmitSequenceNumber)
	if message == nil {
		response.ResponseHeader.ServiceResult = ua.StatusBadMessageNotAvailable
		return response
	}
	response.NotificationMessage = message
	return response
}

// CreateSubscription revises the requested parameters against server
// limits, creates the subscription and registers its publish callback.
func (s *Service) CreateSubscription(session *publish.Session, req *ua.CreateSubscriptionRequest) (*ua.CreateSubscriptionResponse, error) {
	params := s.reviseParameters(req)

	sub, err := s.engine.CreateSubscription(session, params)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RegisterPublishCallback(sub); err != nil {
		_ = s.engine.DeleteSubscription(session, sub.ID())
		return nil, err
	}

	return &ua.CreateSubscriptionResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req.RequestHeader),
			Timestamp:     time.Now(),
			ServiceResult: ua.StatusOK,
		},
		SubscriptionID:            sub.ID(),
		RevisedPublishingInterval: float64(params.PublishingInterval.Milliseconds()),
		RevisedLifetimeCount:      params.LifetimeCount,
		RevisedMaxKeepAliveCount:  params.MaxKeepAliveCount,
	}, nil
}

// SetPublishingMode toggles notification draining per subscription.
func (s *Service) SetPublishingMode(session *publish.Session, req *ua.SetPublishingModeRequest) *ua.SetPublishingModeResponse {
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))
	for i, subscriptionID := range req.SubscriptionIDs {
		sub, ok := session.Subscription(subscriptionID)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.SetPublishingEnabled(req.PublishingEnabled)
		results[i] = ua.StatusOK
	}
	return &ua.SetPublishingModeResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req.RequestHeader),
			Timestamp:     time.Now(),
			ServiceResult: ua.StatusOK,
		},
		Results: results,
	}
}

// DeleteSubscriptions tears down the named subscriptions. If none
// remain, banked publish requests are flushed with BadNoSubscription.
func (s *Service) DeleteSubscriptions(session *publish.Session, req *ua.DeleteSubscriptionsRequest) *ua.DeleteSubscriptionsResponse {
	results := make([]ua.StatusCode, len(req.SubscriptionIDs))
	for i, subscriptionID := range req.SubscriptionIDs {
		if err := s.engine.DeleteSubscription(session, subscriptionID); err != nil {
			results[i] = publish.StatusFromError(err)
			continue
		}
		results[i] = ua.StatusOK
	}
	s.engine.AnswerPublishRequestsNoSubscription(session)
	return &ua.DeleteSubscriptionsResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req.RequestHeader),
			Timestamp:     time.Now(),
			ServiceResult: ua.StatusOK,
		},
		Results: results,
	}
}

// reviseParameters clamps a creation request to the server limits and
// applies the Part 4 floor of lifetime >= 3 x keep-alive.
func (s *Service) reviseParameters(req *ua.CreateSubscriptionRequest) publish.Parameters {
	interval := time.Duration(req.RequestedPublishingInterval * float64(time.Millisecond))
	if interval < s.limits.MinPublishingInterval {
		interval = s.limits.MinPublishingInterval
	}
	if interval > s.limits.MaxPublishingInterval {
		interval = s.limits.MaxPublishingInterval
	}

	keepAlive := req.RequestedMaxKeepAliveCount
	if keepAlive == 0 {
		keepAlive = 10
	}
	if keepAlive > s.limits.MaxKeepAliveCount {
		keepAlive = s.limits.MaxKeepAliveCount
	}

	lifetime := req.RequestedLifetimeCount
	if lifetime < 3*keepAlive {
		lifetime = 3 * keepAlive
	}
	if lifetime > s.limits.MaxLifetimeCount {
		lifetime = s.limits.MaxLifetimeCount
	}

	notificationsPerPublish := req.MaxNotificationsPerPublish
	if s.limits.MaxNotificationsPerPublish > 0 &&
		(notificationsPerPublish == 0 || notificationsPerPublish > s.limits.MaxNotificationsPerPublish) {
		notificationsPerPublish = s.limits.MaxNotificationsPerPublish
	}

	return publish.Parameters{
		PublishingInterval:         interval,
		LifetimeCount:              lifetime,
		MaxKeepAliveCount:          keepAlive,
		MaxNotificationsPerPublish: notificationsPerPublish,
		PublishingEnabled:          req.PublishingEnabled,
		Priority:                   req.Priority,
	}
}

func requestHandle(header *ua.RequestHeader) uint32 {
	if header == nil {
		return 0
	}
	return header.RequestHandle
}

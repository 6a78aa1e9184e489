package service

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/nexus-edge/opcua-server/internal/publish"
	"github.com/nexus-edge/opcua-server/internal/transport"
	"github.com/rs/zerolog"
)

var testMetrics = metrics.NewRegistry()

type stubScheduler struct {
	nextID uint64
}

func (s *stubScheduler) AddRepeatedCallback(callback func(), period time.Duration) (uint64, error) {
	s.nextID++
	return s.nextID, nil
}

func (s *stubScheduler) RemoveRepeatedCallback(callbackID uint64) {}

func newTestService() (*Service, *publish.Engine) {
	engine := publish.NewEngine(publish.Limits{MaxRetransmissionQueueSize: 10},
		&stubScheduler{}, zerolog.Nop(), testMetrics)
	svc := NewService(engine, Limits{
		MinPublishingInterval:      50 * time.Millisecond,
		MaxPublishingInterval:      time.Hour,
		MaxKeepAliveCount:          100,
		MaxLifetimeCount:           1000,
		MaxNotificationsPerPublish: 100,
	}, zerolog.Nop(), testMetrics)
	return svc, engine
}

func newTestSession() (*publish.Session, *transport.Loopback) {
	session := publish.NewSession("svc-test", zerolog.Nop())
	loopback := transport.NewLoopback()
	session.AttachChannel(loopback)
	return session, loopback
}

func createSubscription(t *testing.T, svc *Service, session *publish.Session) *publish.Subscription {
	t.Helper()
	resp, err := svc.CreateSubscription(session, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 100,
		RequestedLifetimeCount:      30,
		RequestedMaxKeepAliveCount:  10,
		PublishingEnabled:           true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	sub, ok := session.Subscription(resp.SubscriptionID)
	if !ok {
		t.Fatalf("subscription %d not attached to session", resp.SubscriptionID)
	}
	return sub
}

func emitDataResponse(t *testing.T, engine *publish.Engine, session *publish.Session, sub *publish.Subscription, item *publish.MonitoredItem, requestID uint32) {
	t.Helper()
	item.Enqueue(&ua.DataValue{Value: ua.MustVariant(1.0), Status: ua.StatusOK})
	session.EnqueuePublishRequest(requestID, nil)
	engine.PublishCallback(sub)
}

func TestCreateSubscriptionRevisesParameters(t *testing.T) {
	svc, _ := newTestService()
	session, _ := newTestSession()

	resp, err := svc.CreateSubscription(session, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 1, // below the floor
		RequestedLifetimeCount:      1, // below 3 x keep-alive
		RequestedMaxKeepAliveCount:  5,
		PublishingEnabled:           true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if resp.RevisedPublishingInterval != 50 {
		t.Fatalf("revised interval = %v ms, want 50", resp.RevisedPublishingInterval)
	}
	if resp.RevisedMaxKeepAliveCount != 5 {
		t.Fatalf("revised keep-alive = %d, want 5", resp.RevisedMaxKeepAliveCount)
	}
	if resp.RevisedLifetimeCount != 15 {
		t.Fatalf("revised lifetime = %d, want 15 (3 x keep-alive)", resp.RevisedLifetimeCount)
	}

	sub, _ := session.Subscription(resp.SubscriptionID)
	params := sub.Parameters()
	if params.PublishingInterval != 50*time.Millisecond {
		t.Fatalf("subscription interval = %s", params.PublishingInterval)
	}
	if params.MaxNotificationsPerPublish != 100 {
		t.Fatalf("notifications per publish = %d, want server cap 100", params.MaxNotificationsPerPublish)
	}
}

func TestPublishProcessesAcknowledgements(t *testing.T) {
	svc, engine := newTestService()
	session, _ := newTestSession()
	sub := createSubscription(t, svc, session)
	item := publish.NewMonitoredItem(1, publish.MonitoredItemConfig{ClientHandle: 1})
	engine.AddMonitoredItem(sub, item)

	emitDataResponse(t, engine, session, sub, item, 1)
	if sub.RetransmissionQueueLen() != 1 {
		t.Fatalf("retransmission length = %d, want 1", sub.RetransmissionQueueLen())
	}

	results := svc.Publish(session, 2, &ua.PublishRequest{
		SubscriptionAcknowledgements: []*ua.SubscriptionAcknowledgement{
			{SubscriptionID: sub.ID(), SequenceNumber: 1},
			{SubscriptionID: sub.ID(), SequenceNumber: 99},
			{SubscriptionID: 4242, SequenceNumber: 1},
		},
	})
	want := []ua.StatusCode{ua.StatusOK, ua.StatusBadSequenceNumberUnknown, ua.StatusBadSubscriptionIDInvalid}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("results[%d] = %v, want %v", i, results[i], want[i])
		}
	}
	if sub.RetransmissionQueueLen() != 0 {
		t.Fatal("acknowledged message still retained")
	}
}

func TestPublishTriggersLateSubscription(t *testing.T) {
	svc, engine := newTestService()
	session, loopback := newTestSession()
	sub := createSubscription(t, svc, session)
	item := publish.NewMonitoredItem(1, publish.MonitoredItemConfig{ClientHandle: 1})
	engine.AddMonitoredItem(sub, item)

	// Notifications queued but no banked request: the tick goes late
	item.Enqueue(&ua.DataValue{Value: ua.MustVariant(2.0), Status: ua.StatusOK})
	engine.PublishCallback(sub)
	if sub.State() != publish.StateLate {
		t.Fatalf("state = %v, want late", sub.State())
	}

	// The arriving publish request is consumed immediately
	svc.Publish(session, 1, &ua.PublishRequest{})
	responses := loopback.Responses()
	if len(responses) != 1 {
		t.Fatalf("emitted %d responses, want 1", len(responses))
	}
	if session.PendingPublishRequests() != 0 {
		t.Fatal("banked request not consumed by the late subscription")
	}
	if sub.State() != publish.StateNormal {
		t.Fatalf("state = %v after recovery, want normal", sub.State())
	}
}

func TestPublishWithoutSubscriptionsFlushes(t *testing.T) {
	svc, _ := newTestService()
	session, loopback := newTestSession()

	results := svc.Publish(session, 5, &ua.PublishRequest{})
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
	responses := loopback.Responses()
	if len(responses) != 1 {
		t.Fatalf("emitted %d responses, want 1", len(responses))
	}
	if got := responses[0].Response.ResponseHeader.ServiceResult; got != ua.StatusBadNoSubscription {
		t.Fatalf("service result = %v, want BadNoSubscription", got)
	}
	if responses[0].RequestID != 5 {
		t.Fatalf("answered request %d, want 5", responses[0].RequestID)
	}
	if session.PendingPublishRequests() != 0 {
		t.Fatal("request still banked after the flush")
	}
}

func TestRepublish(t *testing.T) {
	svc, engine := newTestService()
	session, _ := newTestSession()
	sub := createSubscription(t, svc, session)
	item := publish.NewMonitoredItem(1, publish.MonitoredItemConfig{ClientHandle: 1})
	engine.AddMonitoredItem(sub, item)
	emitDataResponse(t, engine, session, sub, item, 1)

	resp := svc.Republish(session, &ua.RepublishRequest{
		SubscriptionID:           sub.ID(),
		RetransmitSequenceNumber: 1,
	})
	if resp.ResponseHeader.ServiceResult != ua.StatusOK {
		t.Fatalf("service result = %v, want Good", resp.ResponseHeader.ServiceResult)
	}
	if resp.NotificationMessage.SequenceNumber != 1 {
		t.Fatalf("republished sequence = %d, want 1", resp.NotificationMessage.SequenceNumber)
	}

	resp = svc.Republish(session, &ua.RepublishRequest{
		SubscriptionID:           sub.ID(),
		RetransmitSequenceNumber: 9,
	})
	if resp.ResponseHeader.ServiceResult != ua.StatusBadMessageNotAvailable {
		t.Fatalf("service result = %v, want BadMessageNotAvailable", resp.ResponseHeader.ServiceResult)
	}

	resp = svc.Republish(session, &ua.RepublishRequest{SubscriptionID: 404})
	if resp.ResponseHeader.ServiceResult != ua.StatusBadSubscriptionIDInvalid {
		t.Fatalf("service result = %v, want BadSubscriptionIDInvalid", resp.ResponseHeader.ServiceResult)
	}
}

func TestSetPublishingMode(t *testing.T) {
	svc, _ := newTestService()
	session, _ := newTestSession()
	sub := createSubscription(t, svc, session)

	resp := svc.SetPublishingMode(session, &ua.SetPublishingModeRequest{
		PublishingEnabled: false,
		SubscriptionIDs:   []uint32{sub.ID(), 777},
	})
	if resp.Results[0] != ua.StatusOK {
		t.Fatalf("results[0] = %v, want Good", resp.Results[0])
	}
	if resp.Results[1] != ua.StatusBadSubscriptionIDInvalid {
		t.Fatalf("results[1] = %v, want BadSubscriptionIDInvalid", resp.Results[1])
	}
	if sub.Parameters().PublishingEnabled {
		t.Fatal("publishing still enabled")
	}
}

func TestDeleteSubscriptionsFlushesPending(t *testing.T) {
	svc, _ := newTestService()
	session, loopback := newTestSession()
	sub := createSubscription(t, svc, session)
	session.EnqueuePublishRequest(1, nil)
	session.EnqueuePublishRequest(2, nil)

	resp := svc.DeleteSubscriptions(session, &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: []uint32{sub.ID(), 555},
	})
	if resp.Results[0] != ua.StatusOK {
		t.Fatalf("results[0] = %v, want Good", resp.Results[0])
	}
	if resp.Results[1] != ua.StatusBadSubscriptionIDInvalid {
		t.Fatalf("results[1] = %v, want BadSubscriptionIDInvalid", resp.Results[1])
	}
	if session.SubscriptionCount() != 0 {
		t.Fatal("subscription survived delete")
	}
	responses := loopback.Responses()
	if len(responses) != 2 {
		t.Fatalf("flushed %d responses, want 2", len(responses))
	}
	for i, sent := range responses {
		if sent.RequestID != uint32(i+1) {
			t.Fatalf("flush order broken: response %d answers request %d", i, sent.RequestID)
		}
		if sent.Response.ResponseHeader.ServiceResult != ua.StatusBadNoSubscription {
			t.Fatalf("service result = %v, want BadNoSubscription",
				sent.Response.ResponseHeader.ServiceResult)
		}
	}
}

package publish

import (
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

func TestSubscriptionInitialState(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	sub := mustCreate(t, e, session, testParams())

	if sub.State() != StateNormal {
		t.Fatalf("initial state = %v, want normal", sub.State())
	}
	if sub.SequenceNumber() != 0 {
		t.Fatalf("initial sequence = %d, want 0", sub.SequenceNumber())
	}
	if sub.RetransmissionQueueLen() != 0 {
		t.Fatal("fresh subscription retains messages")
	}
	if sub.Session() != session {
		t.Fatal("session back-reference mismatch")
	}
}

func TestSubscriptionIDsUniqueWithinSession(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	first := mustCreate(t, e, session, testParams())
	second := mustCreate(t, e, session, testParams())
	if first.ID() == second.ID() {
		t.Fatalf("both subscriptions got id %d", first.ID())
	}
}

func TestCreateSubscriptionRejectsBadInterval(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	params := testParams()
	params.PublishingInterval = 0
	if _, err := e.CreateSubscription(session, params); err != ErrPublishingIntervalShort {
		t.Fatalf("err = %v, want ErrPublishingIntervalShort", err)
	}
}

func TestCreateSubscriptionRejectsClosedSession(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	e.CloseSession(session)
	if _, err := e.CreateSubscription(session, testParams()); err != ErrSessionClosed {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestRegisterPublishCallbackIdempotent(t *testing.T) {
	sched := &stubScheduler{}
	e := NewEngine(Limits{}, sched, zerolog.Nop(), testMetrics)
	session, _ := newTestSession()
	sub := mustCreate(t, e, session, testParams())

	if err := e.RegisterPublishCallback(sub); err != nil {
		t.Fatalf("RegisterPublishCallback: %v", err)
	}
	if err := e.RegisterPublishCallback(sub); err != nil {
		t.Fatalf("second RegisterPublishCallback: %v", err)
	}
	if sched.added != 1 {
		t.Fatalf("scheduler registrations = %d, want 1", sched.added)
	}

	e.UnregisterPublishCallback(sub)
	e.UnregisterPublishCallback(sub)
	if sched.removed != 1 {
		t.Fatalf("scheduler removals = %d, want 1", sched.removed)
	}
}

func TestDeleteMonitoredItem(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	sub := mustCreate(t, e, session, testParams())
	item := addItem(e, sub, 4, 4)
	torn := false
	item.SetTeardown(func() { torn = true })

	if got, ok := sub.MonitoredItem(4); !ok || got != item {
		t.Fatal("MonitoredItem(4) lookup failed")
	}
	if err := e.DeleteMonitoredItem(sub, 4); err != nil {
		t.Fatalf("DeleteMonitoredItem: %v", err)
	}
	if !torn {
		t.Fatal("teardown hook not invoked")
	}
	if _, ok := sub.MonitoredItem(4); ok {
		t.Fatal("item still present after delete")
	}
	if err := e.DeleteMonitoredItem(sub, 4); err != ErrMonitoredItemIDInvalid {
		t.Fatalf("err = %v, want ErrMonitoredItemIDInvalid", err)
	}
}

func TestMonitoredItemsKeepInsertionOrder(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	sub := mustCreate(t, e, session, testParams())
	for _, itemID := range []uint32{3, 1, 2} {
		addItem(e, sub, itemID, itemID)
	}
	_ = e.DeleteMonitoredItem(sub, 1)
	items := sub.MonitoredItems()
	if len(items) != 2 || items[0].ID() != 3 || items[1].ID() != 2 {
		ids := make([]uint32, len(items))
		for i, item := range items {
			ids[i] = item.ID()
		}
		t.Fatalf("item order = %v, want [3 2]", ids)
	}
}

func TestDeleteSubscriptionReleasesEverything(t *testing.T) {
	e := newTestEngine(0)
	session, _ := newTestSession()
	sub := mustCreate(t, e, session, testParams())
	item := addItem(e, sub, 1, 1)
	teardowns := 0
	item.SetTeardown(func() { teardowns++ })

	item.Enqueue(makeValue(1))
	bankRequest(session, 1)
	e.PublishCallback(sub)
	if sub.RetransmissionQueueLen() != 1 {
		t.Fatalf("retransmission length = %d, want 1", sub.RetransmissionQueueLen())
	}

	if err := e.DeleteSubscription(session, sub.ID()); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	if teardowns != 1 {
		t.Fatalf("teardowns = %d, want 1", teardowns)
	}
	if sub.RetransmissionQueueLen() != 0 {
		t.Fatal("retransmission queue survives teardown")
	}
	if len(sub.MonitoredItems()) != 0 {
		t.Fatal("monitored items survive teardown")
	}
	if err := e.DeleteSubscription(session, sub.ID()); err != ErrSubscriptionIDInvalid {
		t.Fatalf("second delete err = %v, want ErrSubscriptionIDInvalid", err)
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want ua.StatusCode
	}{
		{nil, ua.StatusOK},
		{ErrMonitoredItemIDInvalid, ua.StatusBadMonitoredItemIDInvalid},
		{ErrSequenceNumberUnknown, ua.StatusBadSequenceNumberUnknown},
		{ErrSubscriptionIDInvalid, ua.StatusBadSubscriptionIDInvalid},
		{ErrNoSubscription, ua.StatusBadNoSubscription},
	}
	for _, tc := range cases {
		if got := StatusFromError(tc.err); got != tc.want {
			t.Fatalf("StatusFromError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSessionPublishRequestFIFO(t *testing.T) {
	session := NewSession("fifo", zerolog.Nop())
	for requestID := uint32(1); requestID <= 3; requestID++ {
		session.EnqueuePublishRequest(requestID, nil)
	}
	if session.PendingPublishRequests() != 3 {
		t.Fatalf("pending = %d, want 3", session.PendingPublishRequests())
	}
	if entry := session.peekPublishRequest(); entry.RequestID != 1 {
		t.Fatalf("peek = %d, want 1", entry.RequestID)
	}
	for want := uint32(1); want <= 3; want++ {
		if entry := session.dequeuePublishRequest(); entry.RequestID != want {
			t.Fatalf("dequeue = %d, want %d", entry.RequestID, want)
		}
	}
	if session.dequeuePublishRequest() != nil {
		t.Fatal("dequeue on empty queue returned an entry")
	}
}

package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
)

func TestNewBridgeValidation(t *testing.T) {
	if _, err := NewBridge(BridgeConfig{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing broker url")
	}
	b, err := NewBridge(BridgeConfig{BrokerURL: "tcp://localhost:1883", ClientID: "test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if b.config.TopicPrefix != "opcua/publish" {
		t.Fatalf("topic prefix default = %q", b.config.TopicPrefix)
	}
	if b.config.PublishTimeout != 5*time.Second {
		t.Fatalf("publish timeout default = %s", b.config.PublishTimeout)
	}
}

func TestEncodeResponse(t *testing.T) {
	publishTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sourceTime := publishTime.Add(-time.Second)
	response := &ua.PublishResponse{
		ResponseHeader: &ua.ResponseHeader{
			Timestamp:     publishTime,
			ServiceResult: ua.StatusOK,
		},
		SubscriptionID:           7,
		MoreNotifications:        true,
		AvailableSequenceNumbers: []uint32{3, 2, 1},
		NotificationMessage: &ua.NotificationMessage{
			SequenceNumber: 3,
			PublishTime:    publishTime,
			NotificationData: []*ua.ExtensionObject{
				{
					Value: &ua.DataChangeNotification{
						MonitoredItems: []*ua.MonitoredItemNotification{
							{
								ClientHandle: 11,
								Value: &ua.DataValue{
									Value:           ua.MustVariant(21.5),
									Status:          ua.StatusOK,
									SourceTimestamp: sourceTime,
								},
							},
						},
					},
				},
			},
		},
	}

	payload, err := EncodeResponse(99, response)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	var decoded struct {
		RequestID                uint32   `json:"request_id"`
		SubscriptionID           uint32   `json:"subscription_id"`
		SequenceNumber           uint32   `json:"sequence_number"`
		MoreNotifications        bool     `json:"more_notifications"`
		AvailableSequenceNumbers []uint32 `json:"available_sequence_numbers"`
		Notifications            []struct {
			ClientHandle uint32  `json:"client_handle"`
			Value        float64 `json:"value"`
		} `json:"notifications"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if decoded.RequestID != 99 || decoded.SubscriptionID != 7 || decoded.SequenceNumber != 3 {
		t.Fatalf("decoded header fields = %+v", decoded)
	}
	if !decoded.MoreNotifications {
		t.Fatal("moreNotifications lost in encoding")
	}
	if len(decoded.AvailableSequenceNumbers) != 3 || decoded.AvailableSequenceNumbers[0] != 3 {
		t.Fatalf("available sequence numbers = %v", decoded.AvailableSequenceNumbers)
	}
	if len(decoded.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(decoded.Notifications))
	}
	if decoded.Notifications[0].ClientHandle != 11 || decoded.Notifications[0].Value != 21.5 {
		t.Fatalf("notification = %+v", decoded.Notifications[0])
	}
}

func TestEncodeResponseKeepAlive(t *testing.T) {
	response := &ua.PublishResponse{
		ResponseHeader:      &ua.ResponseHeader{ServiceResult: ua.StatusOK},
		SubscriptionID:      1,
		NotificationMessage: &ua.NotificationMessage{SequenceNumber: 4},
	}
	payload, err := EncodeResponse(1, response)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if _, ok := decoded["notifications"]; ok {
		t.Fatal("keep-alive payload carries notifications")
	}
}

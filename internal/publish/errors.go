package publish

import (
	"errors"

	"github.com/gopcua/opcua/ua"
)

// Engine errors. The service layer maps them onto wire status codes with
// StatusFromError.
var (
	ErrMonitoredItemIDInvalid  = errors.New("monitored item id invalid")
	ErrSequenceNumberUnknown   = errors.New("sequence number unknown")
	ErrSubscriptionIDInvalid   = errors.New("subscription id invalid")
	ErrNoSubscription          = errors.New("session has no subscription")
	ErrPublishingIntervalShort = errors.New("publishing interval must be positive")
	ErrSessionClosed           = errors.New("session closed")
)

// StatusFromError maps an engine error to the OPC UA status code that
// belongs on the wire.
func StatusFromError(err error) ua.StatusCode {
	switch {
	case err == nil:
		return ua.StatusOK
	case errors.Is(err, ErrMonitoredItemIDInvalid):
		return ua.StatusBadMonitoredItemIDInvalid
	case errors.Is(err, ErrSequenceNumberUnknown):
		return ua.StatusBadSequenceNumberUnknown
	case errors.Is(err, ErrSubscriptionIDInvalid):
		return ua.StatusBadSubscriptionIDInvalid
	case errors.Is(err, ErrNoSubscription):
		return ua.StatusBadNoSubscription
	default:
		return ua.StatusBadInternalError
	}
}

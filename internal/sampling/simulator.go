package sampling

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-server/internal/publish"
	"github.com/rs/zerolog"
)

// Simulator samples configured signals on the scheduler loop and
// enqueues the values into monitored-item queues. It owns the sampling
// registrations; deleting a monitored item releases its registration
// through the item's teardown hook.
type Simulator struct {
	scheduler publish.Scheduler
	logger    zerolog.Logger

	mu            sync.Mutex
	registrations map[uint32]uint64

	samplesTaken atomic.Uint64
	start        time.Time
}

// NewSimulator creates a simulator dispatching on the given scheduler.
func NewSimulator(scheduler publish.Scheduler, logger zerolog.Logger) *Simulator {
	return &Simulator{
		scheduler:     scheduler,
		logger:        logger.With().Str("component", "sampling-simulator").Logger(),
		registrations: make(map[uint32]uint64),
		start:         time.Now(),
	}
}

// Register starts sampling a signal into the monitored item. The item's
// teardown hook is installed so deleting the item stops the sampling.
func (s *Simulator) Register(item *publish.MonitoredItem, signal Signal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	sample := s.generator(signal)
	callbackID, err := s.scheduler.AddRepeatedCallback(func() {
		value := sample()
		now := time.Now()
		item.Enqueue(&ua.DataValue{
			Value:           ua.MustVariant(value),
			Status:          ua.StatusOK,
			SourceTimestamp: now,
			ServerTimestamp: now,
		})
		s.samplesTaken.Add(1)
	}, signal.SamplingInterval)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.registrations[item.ID()] = callbackID
	s.mu.Unlock()

	item.SetTeardown(func() {
		s.Unregister(item.ID())
	})

	s.logger.Info().
		Str("signal", signal.Name).
		Uint32("item_id", item.ID()).
		Dur("sampling_interval", signal.SamplingInterval).
		Msg("Registered sampling for monitored item")
	return nil
}

// Unregister stops sampling for a monitored item. Unknown ids are
// ignored.
func (s *Simulator) Unregister(itemID uint32) {
	s.mu.Lock()
	callbackID, ok := s.registrations[itemID]
	if ok {
		delete(s.registrations, itemID)
	}
	s.mu.Unlock()

	if ok {
		s.scheduler.RemoveRepeatedCallback(callbackID)
		s.logger.Debug().Uint32("item_id", itemID).Msg("Unregistered sampling")
	}
}

// generator builds the sampling closure for a signal. Random-walk
// signals carry their state in the closure.
func (s *Simulator) generator(signal Signal) func() float64 {
	switch signal.Waveform {
	case WaveformSine:
		return func() float64 {
			t := time.Since(s.start).Seconds()
			return signal.Offset + signal.Amplitude*math.Sin(2*math.Pi*t/signal.Period.Seconds())
		}
	case WaveformRamp:
		return func() float64 {
			t := time.Since(s.start).Seconds()
			period := signal.Period.Seconds()
			frac := t/period - math.Floor(t/period)
			return signal.Offset + signal.Amplitude*frac
		}
	case WaveformRandomWalk:
		value := signal.Offset
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		return func() float64 {
			value += rng.NormFloat64() * signal.Amplitude
			return value
		}
	default:
		return func() float64 {
			return signal.Offset
		}
	}
}

// Stats returns simulator statistics.
func (s *Simulator) Stats() map[string]interface{} {
	s.mu.Lock()
	active := len(s.registrations)
	s.mu.Unlock()

	return map[string]interface{}{
		"active_registrations": active,
		"samples_taken":        s.samplesTaken.Load(),
	}
}

// Package sampling provides the sampling-engine stand-in that feeds
// monitored-item queues: declaratively configured signal generators
// sampled on the scheduler loop.
package sampling

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Waveform selects how a signal evolves over time.
type Waveform string

const (
	WaveformSine       Waveform = "sine"
	WaveformRamp       Waveform = "ramp"
	WaveformRandomWalk Waveform = "random-walk"
	WaveformStatic     Waveform = "static"
)

// Signal describes one simulated measurement source.
type Signal struct {
	// Name identifies the signal in logs and topics
	Name string `json:"name" yaml:"name"`

	// Waveform selects the generator
	Waveform Waveform `json:"waveform" yaml:"waveform"`

	// Amplitude scales the waveform around the offset
	Amplitude float64 `json:"amplitude" yaml:"amplitude"`

	// Offset is the waveform's midline (and the value of a static signal)
	Offset float64 `json:"offset" yaml:"offset"`

	// Period is the waveform period for sine and ramp signals
	Period time.Duration `json:"period" yaml:"period"`

	// SamplingInterval is how often the signal is sampled
	SamplingInterval time.Duration `json:"sampling_interval" yaml:"sampling_interval"`

	// QueueSize is the monitored-item queue bound for this signal
	QueueSize uint32 `json:"queue_size" yaml:"queue_size"`

	// DiscardOldest selects the overflow policy when the queue is full
	DiscardOldest bool `json:"discard_oldest" yaml:"discard_oldest"`
}

// Validate performs validation on the signal configuration.
func (s *Signal) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("signal name is required")
	}
	switch s.Waveform {
	case WaveformSine, WaveformRamp, WaveformRandomWalk, WaveformStatic:
	case "":
		return fmt.Errorf("signal %q: waveform is required", s.Name)
	default:
		return fmt.Errorf("signal %q: unknown waveform %q", s.Name, s.Waveform)
	}
	if (s.Waveform == WaveformSine || s.Waveform == WaveformRamp) && s.Period <= 0 {
		return fmt.Errorf("signal %q: period must be positive for %s", s.Name, s.Waveform)
	}
	if s.SamplingInterval < 10*time.Millisecond {
		return fmt.Errorf("signal %q: sampling interval too short", s.Name)
	}
	return nil
}

// signalsFile is the on-disk layout of a signal set.
type signalsFile struct {
	Signals []Signal `yaml:"signals"`
}

// LoadSignals reads a yaml signal-set file.
func LoadSignals(path string) ([]Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals file: %w", err)
	}

	var file signalsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signals file: %w", err)
	}

	for i := range file.Signals {
		if err := file.Signals[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Signals, nil
}

// DefaultSignals returns the signal set used when no file is configured.
func DefaultSignals() []Signal {
	return []Signal{
		{
			Name:             "temperature",
			Waveform:         WaveformSine,
			Amplitude:        5,
			Offset:           21,
			Period:           60 * time.Second,
			SamplingInterval: 250 * time.Millisecond,
			QueueSize:        10,
			DiscardOldest:    true,
		},
		{
			Name:             "pressure",
			Waveform:         WaveformRandomWalk,
			Amplitude:        0.4,
			Offset:           1013,
			SamplingInterval: 500 * time.Millisecond,
			QueueSize:        10,
			DiscardOldest:    true,
		},
		{
			Name:             "counter",
			Waveform:         WaveformRamp,
			Amplitude:        1000,
			Offset:           0,
			Period:           5 * time.Minute,
			SamplingInterval: time.Second,
			QueueSize:        5,
			DiscardOldest:    true,
		},
	}
}

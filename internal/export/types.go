package export

import "time"

// MeasurementEvent is the Kafka payload for one completed measurement.
type MeasurementEvent struct {
	CorrelationID   string    `json:"correlation_id"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	RateMbps        float64   `json:"rate_mbps"`
	WirelessChannel int       `json:"wireless_channel"`
	Timestamp       time.Time `json:"timestamp"`
}

// StepEvent is the Kafka payload for one learner iteration.
type StepEvent struct {
	CorrelationID string    `json:"correlation_id"`
	Experiment    string    `json:"experiment,omitempty"`
	Iteration     int       `json:"iteration"`
	ArmIndex      int       `json:"arm_index"`
	ArmLabel      string    `json:"arm_label"`
	Reward        float64   `json:"reward"`
	QValues       []float64 `json:"q_values"`
	Timestamp     time.Time `json:"timestamp"`
}

type stream int

const (
	measurements stream = iota
	steps
)

func (s stream) String() string {
	if s == steps {
		return "steps"
	}
	return "measurements"
}

// item is a queued, already encoded event.
type item struct {
	stream stream
	key    string
	value  []byte
}

package protocol

import (
	"math"
	"strings"
)

const TelemetryTopic = "telemetry"

// CommandTopic is where a device receives its role commands.
func CommandTopic(deviceID string) string {
	return "command/" + deviceID + "/req/start"
}

// CommandFilter is the subscription filter a device uses for its commands.
func CommandFilter(deviceID string) string {
	return "command/" + deviceID + "/req/#"
}

// IsCommandTopic reports whether topic is a command topic of any device.
func IsCommandTopic(topic string) bool {
	return strings.HasPrefix(topic, "command/") && strings.Contains(topic, "/req/")
}

// Telemetry is published once by the client after a measurement.
// SentRateMbps is the rate the server side received, which is what the
// controller reports as the path's data transfer rate. SenderRateMbps is
// what the client pushed.
type Telemetry struct {
	WirelessChannel  int     `json:"wireless_channel"`
	SentRateMbps     float64 `json:"sent_rate_mbps"`
	ReceivedRateMbps float64 `json:"received_rate_mbps"`
	SenderRateMbps   float64 `json:"sender_rate_mbps,omitempty"`
	DeviceID         string  `json:"device_id,omitempty"`
	RequestID        string  `json:"request_id,omitempty"`
	RTTMs            float64 `json:"rtt_ms,omitempty"`
	PacketLossPct    float64 `json:"packet_loss_pct,omitempty"`
}

// Round2 rounds to two decimals, the precision rates are reported with.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

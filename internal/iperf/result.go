package iperf

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrNoSummary = errors.New("iperf3 report has no end summary")

// Result is the throughput of one client run in Mbit/s.
type Result struct {
	SentMbps     float64
	ReceivedMbps float64
}

type report struct {
	End *struct {
		SumSent *struct {
			BitsPerSecond float64 `json:"bits_per_second"`
		} `json:"sum_sent"`
		SumReceived *struct {
			BitsPerSecond float64 `json:"bits_per_second"`
		} `json:"sum_received"`
	} `json:"end"`
	Error string `json:"error"`
}

// ParseResult reads the summary of an `iperf3 --json` report.
func ParseResult(data []byte) (Result, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, errors.Wrap(err, "decode iperf3 report")
	}
	if r.Error != "" {
		return Result{}, errors.Errorf("iperf3: %s", r.Error)
	}
	if r.End == nil || r.End.SumSent == nil || r.End.SumReceived == nil {
		return Result{}, ErrNoSummary
	}
	return Result{
		SentMbps:     r.End.SumSent.BitsPerSecond / 1e6,
		ReceivedMbps: r.End.SumReceived.BitsPerSecond / 1e6,
	}, nil
}

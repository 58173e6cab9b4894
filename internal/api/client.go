package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/pkg/errors"
)

// StatusError is a non-200 answer from the controller.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Code, e.Detail)
}

// Client calls the controller's measurement endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient targets the full measurement URL, e.g.
// http://controller:8000/network/data-transfer-rate.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 100 * time.Second
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

func (c *Client) MeasureRate(ctx context.Context, req orchestrator.Request) (orchestrator.Measurement, error) {
	var m orchestrator.Measurement
	if req.Path == nil {
		req.Path = []string{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return m, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return m, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return m, errors.Wrap(err, "post measurement request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return m, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		detail := string(data)
		if json.Unmarshal(data, &eb) == nil && eb.Detail != "" {
			detail = eb.Detail
		}
		return m, &StatusError{Code: resp.StatusCode, Detail: detail}
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Wrap(err, "decode measurement")
	}
	return m, nil
}

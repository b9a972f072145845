package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"helmsman/internal/logging"
	"helmsman/internal/mission"
)

// HTTPBackend talks to a remote execution backend: dispatch over HTTP,
// tool observations over a websocket stream.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  logging.Logger
}

// NewHTTPBackend creates a client for the backend at baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration, logger logging.Logger) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		dialer:  websocket.DefaultDialer,
		logger:  logging.OrNop(logger),
	}
}

type dispatchResponse struct {
	RunID string `json:"run_id"`
}

// streamMessage is one frame on the run stream.
type streamMessage struct {
	Type   string `json:"type"` // tool | done
	Tool   string `json:"tool,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Status string `json:"status,omitempty"`
}

// Dispatch implements Backend.
func (b *HTTPBackend) Dispatch(ctx context.Context, req RunRequest) (*RunHandle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/runs", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch run: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read dispatch response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("run not found: %s", strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend dispatch returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded dispatchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode dispatch response: %w", err)
	}
	runID := decoded.RunID
	if runID == "" {
		runID = req.RunID
	}

	conn, _, err := b.dialer.DialContext(ctx, b.streamURL(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("open run stream: %w", err)
	}

	observations := make(chan Observation, 16)
	done := make(chan Result, 1)
	go b.pump(ctx, conn, runID, observations, done)

	return &RunHandle{RunID: runID, Observations: observations, Done: done}, nil
}

func (b *HTTPBackend) streamURL(runID string) string {
	url := b.baseURL + "/runs/" + runID + "/stream"
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return "ws://" + strings.TrimPrefix(url, "http://")
}

func (b *HTTPBackend) pump(ctx context.Context, conn *websocket.Conn, runID string, observations chan<- Observation, done chan<- Result) {
	defer close(observations)
	defer close(done)
	defer func() {
		_ = conn.Close()
	}()

	// Unblock ReadJSON when the mission is canceled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("run %s stream closed: %v", runID, err)
			}
			return
		}
		switch msg.Type {
		case "tool":
			select {
			case observations <- Observation{Tool: msg.Tool, Phase: msg.Phase}:
			case <-ctx.Done():
				return
			}
		case "done":
			status := msg.Status
			if status == "" {
				status = mission.RunStatusFailed
			}
			done <- Result{Status: status}
			return
		default:
			b.logger.Debug("run %s: ignoring stream frame %q", runID, msg.Type)
		}
	}
}

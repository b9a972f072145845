package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"helmsman/internal/mission"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// handleStream upgrades to a websocket and replays the mission's records
// from ?since_rev, then follows live appends. Frames are Record envelopes,
// identical to what GET /events returns.
func (s *Server) handleStream(c *gin.Context) {
	missionID := c.Param("id")

	sinceRev := int64(0)
	if raw := c.Query("since_rev"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "since_rev must be a non-negative integer"})
			return
		}
		sinceRev = parsed
	}

	if _, err := s.orchestrator.GetState(c.Request.Context(), missionID); err != nil {
		fail(c, statusFor(err), err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for %s: %v", missionID, err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	// Subscribe before replaying the backlog so nothing falls into the gap;
	// duplicates are filtered by revision below.
	live, unsubscribe := s.orchestrator.Subscribe(missionID)
	defer unsubscribe()

	backlog, err := s.orchestrator.ListEvents(c.Request.Context(), missionID, sinceRev)
	if err != nil {
		s.logger.Warn("stream backlog for %s: %v", missionID, err)
		return
	}

	lastRev := sinceRev
	for _, record := range backlog {
		if err := s.writeRecord(conn, record); err != nil {
			return
		}
		lastRev = record.Revision
	}

	// Drain reads so close frames and pongs are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-closed:
			return
		case record := <-live:
			if record.Revision <= lastRev {
				continue
			}
			if err := s.writeRecord(conn, record); err != nil {
				return
			}
			lastRev = record.Revision
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeRecord(conn *websocket.Conn, record mission.Record) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(record)
}

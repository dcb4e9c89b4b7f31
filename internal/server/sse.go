package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	ssePollInterval      = 3 * time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// handleEvents streams process lifecycle events over SSE by polling the
// history store. Clients reconnecting start from the current tail; the
// feed is live, not a replay.
func handleEvents(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		lastSeenID := initialCursor(history)

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				events, err := history.EventsSince(lastSeenID, 0)
				if err != nil || len(events) == 0 {
					continue
				}
				lastSeenID = events[len(events)-1].ID
				for _, evt := range events {
					writeSSE(c.Writer, "process", evt)
				}
				c.Writer.Flush()
			}
		}
	}
}

// initialCursor returns the event id the feed starts after, so only
// events newer than the connection are streamed. EventsSince is
// row-capped, so the cursor comes from a dedicated latest-id query;
// taking the tail of a capped page would replay long histories.
func initialCursor(history History) uint {
	id, err := history.LatestEventID()
	if err != nil {
		return 0
	}
	return id
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

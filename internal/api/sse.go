package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/logbroker"
)

// sseHeartbeatInterval is how often a comment line is written to keep
// idle connections from being reaped by proxies.
const sseHeartbeatInterval = 15 * time.Second

// sseChunk is the data payload of a "log" event.
type sseChunk struct {
	Sequence  int64     `json:"sequence"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// serveSSE drains a log subscription onto the response as server-sent
// events. Each chunk is a "log" event whose id is its sequence number, so
// clients resume with Last-Event-ID. The stream ends with a "close" event
// when the job goes terminal, or a "dropped" event if this subscriber
// fell behind the live stream.
func serveSSE(w http.ResponseWriter, r *http.Request, sub *logbroker.Subscription, logger *zap.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range sub.Backlog {
		if !writeChunkEvent(w, &sub.Backlog[i]) {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-sub.Dropped:
			fmt.Fprint(w, "event: dropped\ndata: {\"reason\":\"subscriber fell behind\"}\n\n")
			flusher.Flush()
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, open := <-sub.Events:
			if !open {
				return
			}
			if event.Closed {
				fmt.Fprint(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if !writeChunkEvent(w, event.Chunk) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeChunkEvent(w http.ResponseWriter, chunk *db.LogChunk) bool {
	data, err := json.Marshal(sseChunk{
		Sequence:  chunk.Sequence,
		Stream:    chunk.Stream,
		Timestamp: chunk.Timestamp,
		Payload:   string(chunk.Payload),
	})
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: log\nid: %d\ndata: %s\n\n", chunk.Sequence, data)
	return err == nil
}

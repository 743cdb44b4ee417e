package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/codemap/internal/service"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// watchHandler streams job snapshots as JSON text messages until the job
// reaches a terminal status, then closes the socket normally.
func watchHandler(jobs *service.JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		updates, stop, err := jobs.Watch(id)
		if err != nil {
			writeError(w, handleError(err))
			return
		}
		defer stop()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "job_id", id, "error", err)
			return
		}
		defer conn.Close()

		// Reading is only needed to notice the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case info, ok := <-updates:
				if !ok {
					_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
				if err := conn.WriteJSON(info); err != nil {
					slog.Debug("watch client write failed", "job_id", id, "error", err)
					return
				}
			case <-gone:
				return
			}
		}
	}
}

// writeError renders err in the API error envelope outside of huma.
func writeError(w http.ResponseWriter, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		ae = newAPIError(http.StatusInternalServerError, "", err.Error(), nil).(*apiError)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.status)
	_ = json.NewEncoder(w).Encode(ae)
}

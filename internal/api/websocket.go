package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cloudexport/backend/internal/errs"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleJobProgress streams progress messages for one job. On connect the
// client receives a snapshot built from the persisted row, so events missed
// before subscribing are reconciled. The stream ends after a terminal status.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["id"]
	job, err := s.store.JobForUser(r.Context(), jobID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, errs.New(errs.NotFound, "Job not found"))
		return
	}
	if err != nil {
		writeError(w, errs.Wrap(errs.Internal, "load job", err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job", jobID, "error", err)
		return
	}
	s.metrics.WSOpened()
	defer s.metrics.WSClosed()
	defer conn.Close()

	ctx := r.Context()
	messages, stop, err := s.bus.SubscribeProgress(ctx, jobID)
	if err != nil {
		s.log.Error("subscribe progress", "job", jobID, "error", err)
		return
	}
	defer stop()

	// reader pump: detect client disconnect and feed pong handler
	go func() {
		defer stop()
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := queue.Progress{
		JobID:           job.ID,
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		ErrorMessage:    job.ErrorMessage,
		Timestamp:       time.Now().Unix(),
	}
	if !s.writeProgress(conn, snapshot) {
		return
	}
	if job.Status.Terminal() {
		s.closeStream(conn)
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-messages:
			if !ok {
				s.closeStream(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
				return
			}
			var p queue.Progress
			if err := json.Unmarshal([]byte(raw), &p); err == nil && store.JobStatus(p.Status).Terminal() {
				s.closeStream(conn)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			s.closeStream(conn)
			return
		}
	}
}

func (s *Server) writeProgress(conn *websocket.Conn, p queue.Progress) bool {
	payload, err := json.Marshal(p)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (s *Server) closeStream(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

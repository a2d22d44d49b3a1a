package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/task"
)

const (
	ssePingInterval = 15 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsReadTimeout   = 120 * time.Second
)

// handleJobStream streams one job's frames. Late attaches replay the whole
// ring so output produced before the subscribe is not lost.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	j, ok := s.jobs.Get(key)
	if !ok {
		respondError(w, http.StatusNotFound, "job_not_found", "no job for key")
		return
	}
	s.serveSSE(w, r, j.Topic(), true)
}

func (s *Server) handleSessionsStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, s.hub.Sessions(), false)
}

func (s *Server) handleMasterStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, s.hub.Master(), false)
}

// handleTasksStream replays missed snapshots on reconnect and always primes
// fresh connections with the most recent snapshot.
func (s *Server) handleTasksStream(w http.ResponseWriter, r *http.Request) {
	topic := s.hub.Tasks()
	var primer []broadcast.Entry
	if lastEventID(r) < 0 {
		if ring := topic.Snapshot(); len(ring) > 0 {
			primer = ring[len(ring)-1:]
		}
	}
	s.serveSSEWithPrimer(w, r, topic, false, primer)
}

// eventName pulls the frame's type out of the payload so it can ride in
// the SSE `event:` field alongside the JSON body.
func eventName(payload any) string {
	switch p := payload.(type) {
	case protocol.JobEvent:
		return p.Type
	case protocol.SessionMessage:
		return p.Type
	case protocol.MasterMessage:
		return p.Type
	case task.Snapshot:
		return p.Type
	case map[string]any:
		if t, ok := p["type"].(string); ok {
			return t
		}
	}
	return ""
}

// lastEventID returns the client's Last-Event-ID, or -1 when absent.
func lastEventID(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		return -1
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, topic *broadcast.Topic, replayAll bool) {
	s.serveSSEWithPrimer(w, r, topic, replayAll, nil)
}

// serveSSEWithPrimer pumps a topic over server-sent events. Reconnecting
// clients resume from their Last-Event-ID; fresh connections get the whole
// ring only when replayAll is set (per-job streams).
func (s *Server) serveSSEWithPrimer(w http.ResponseWriter, r *http.Request, topic *broadcast.Topic, replayAll bool, primer []broadcast.Entry) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeen := lastEventID(r)
	if lastSeen < 0 {
		if replayAll {
			lastSeen = 0
		} else {
			lastSeen = topic.LastID()
		}
	}

	sub, replay := topic.Subscribe(lastSeen)
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
		defer s.metrics.StreamSubscribers.Dec()
	}

	if err := protocol.WriteSSE(w, 0, protocol.EventOpen, map[string]string{"type": protocol.EventOpen}); err != nil {
		return
	}
	for _, e := range primer {
		if err := protocol.WriteSSE(w, e.ID, eventName(e.Payload), e.Payload); err != nil {
			return
		}
	}
	for _, e := range replay {
		if err := protocol.WriteSSE(w, e.ID, eventName(e.Payload), e.Payload); err != nil {
			return
		}
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := protocol.WriteSSE(w, 0, protocol.EventPing, map[string]string{"type": protocol.EventPing}); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C():
			if !ok {
				// Evicted by backpressure; the client reconnects with
				// Last-Event-ID and replays what it missed.
				return
			}
			if err := protocol.WriteSSE(w, e.ID, eventName(e.Payload), e.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleMasterWS mirrors the master SSE stream over a websocket.
func (s *Server) handleMasterWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	topic := s.hub.Master()
	sub, _ := topic.Subscribe(topic.LastID())
	defer sub.Close()
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
		defer s.metrics.StreamSubscribers.Dec()
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ping := time.NewTicker(ssePingInterval)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-stop:
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(e.Payload); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
	close(stop)
	<-done
}

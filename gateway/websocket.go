package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/hubkit/bus"
)

const (
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingPeriod    = 30 * time.Second
)

// handleSubscribe upgrades to a WebSocket and streams envelopes for a
// topic. With since_sequence=s the retained history with sequence > s is
// replayed first, then the live feed continues; messages already replayed
// are suppressed from the live feed so the stream stays gap-free and
// duplicate-free.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Add(1)
	if s.requestsVec != nil {
		s.requestsVec.WithLabelValues(r.URL.Path).Inc()
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic query parameter required")
		s.requestsFailed.Add(1)
		return
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_sequence"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since_sequence must be a non-negative integer")
			s.requestsFailed.Add(1)
			return
		}
		sinceSeq = parsed
	}
	replay := r.URL.Query().Has("since_sequence")

	// Subscribe before replaying so nothing published in between is lost;
	// the live feed is deduplicated against the replayed prefix instead.
	sub, err := s.msgBus.SubscribeChan(topic)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
		s.requestsFailed.Add(1)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.msgBus.Unsubscribe(sub)
		s.requestsFailed.Add(1)
		return
	}

	s.wg.Add(1)
	go s.streamClient(conn, sub, topic, sinceSeq, replay)
}

// streamClient owns one WebSocket subscriber until it disconnects or the
// gateway shuts down.
func (s *Server) streamClient(conn *websocket.Conn, sub *bus.Subscription, topic string, sinceSeq uint64, replay bool) {
	defer s.wg.Done()
	defer s.msgBus.Unsubscribe(sub)
	defer conn.Close()

	if s.activeStreams != nil {
		s.activeStreams.Inc()
		defer s.activeStreams.Dec()
	}

	logger := s.logger.With("topic", topic, "subscription", sub.ID())

	// Writes are serialized: replay, live feed and pings share one mutex
	// because the connection does not tolerate concurrent writers.
	var writeMu sync.Mutex
	send := func(env bus.Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	lastSent := sinceSeq
	if replay {
		for _, env := range s.msgBus.History(topic, sinceSeq, 0) {
			if err := send(env); err != nil {
				logger.Debug("replay write failed", "error", err)
				return
			}
			if env.Sequence > lastSent {
				lastSent = env.Sequence
			}
		}
	}

	// Reader goroutine: the client sends nothing meaningful, but reading
	// surfaces disconnects and answers pings.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			return nil
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case env := <-sub.C():
			// Wildcard feeds interleave topics with independent sequence
			// spaces; dedup only applies to a single-topic replay.
			if replay && topic != bus.TopicWildcard && env.Sequence <= lastSent {
				continue
			}
			if err := send(env); err != nil {
				logger.Debug("stream write failed", "error", err)
				return
			}
			if env.Sequence > lastSent {
				lastSent = env.Sequence
			}
		case <-ping.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-disconnected:
			return
		case <-sub.Done():
			return
		case <-s.shutdown:
			return
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, ok := s.mapper[userID]
		s.mu.RUnlock()
		if ok {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		p := &peer{conn: conn}
		s.mu.Lock()
		if _, ok := s.mapper[userID]; ok {
			s.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated userID"))
			conn.Close()
			return
		}
		s.mapper[userID] = p
		s.mu.Unlock()

		log.Debug("user connected", zap.String("user", userID))
		go s.processWSMessage(userID, p)
		if err := s.ForwardUnsentMessages(context.Background(), userID); err != nil {
			log.Error("forward msg failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(userID string, p *peer) {
	defer func() {
		s.mu.Lock()
		if s.mapper[userID] == p {
			delete(s.mapper, userID)
		}
		s.mu.Unlock()
		p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.String("user", userID), zap.Error(err))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error("Unmarshal envelope failed", zap.Error(err))
			continue
		}
		if env.To == "" {
			log.Error("envelope without recipient", zap.String("from", userID))
			continue
		}

		// the connection identifies the sender
		env.From = userID
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		out, err := json.Marshal(&env)
		if err != nil {
			log.Error("Marshal envelope failed", zap.Error(err))
			continue
		}

		s.deliver(context.Background(), env.To, env.ID, out)
	}
}

func (s *HttpServer) lookup(userID string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper[userID]
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// deliver writes to an online recipient and queues otherwise.
func (s *HttpServer) deliver(ctx context.Context, to, id string, data []byte) {
	if p := s.lookup(to); p != nil {
		err := p.write(data)
		if err == nil {
			log.Debug("relayed envelope", zap.String("id", id), zap.String("to", to))
			return
		}
		log.Error("write to recipient failed, queueing", zap.String("to", to), zap.Error(err))
	}

	if err := s.queue.Enqueue(ctx, to, data); err != nil {
		log.Error("Enqueue failed", zap.String("id", id), zap.Error(err))
		return
	}
	log.Debug("queued envelope", zap.String("id", id), zap.String("to", to))

	// the recipient may have connected and drained between lookup and enqueue
	if s.lookup(to) != nil {
		if err := s.ForwardUnsentMessages(ctx, to); err != nil {
			log.Error("forward msg failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, userID string) error {
	messages, err := s.queue.DrainQueue(ctx, userID)
	if err != nil {
		return err
	}

	p := s.lookup(userID)
	for i, m := range messages {
		if p == nil || p.write([]byte(m)) != nil {
			// put back what could not be written
			rest := make([][]byte, 0, len(messages)-i)
			for _, r := range messages[i:] {
				rest = append(rest, []byte(r))
			}
			return s.queue.Enqueue(ctx, userID, rest...)
		}
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// KeyDirectory stores published bundles and hands out one-time keys.
	KeyDirectory interface {
		Publish(ctx context.Context, bundle *model.KeyBundle) error
		Claim(ctx context.Context, name string) (*model.ClaimedKeys, error)
		Count(ctx context.Context, name string) (int, error)
	}

	// MessageQueue keeps envelopes for users that are offline.
	MessageQueue interface {
		Enqueue(ctx context.Context, to string, envelopes ...[]byte) error
		DrainQueue(ctx context.Context, to string) ([]string, error)
	}

	peer struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*peer

		keys     KeyDirectory
		queue    MessageQueue
		verifier *olm.Utility
		enc      model.Encoding

		srv *http.Server
	}
)

func NewHttpServer(keys KeyDirectory, queue MessageQueue, enc model.Encoding) *HttpServer {
	return &HttpServer{
		mapper:   make(map[string]*peer),
		keys:     keys,
		queue:    queue,
		verifier: olm.NewUtility(enc),
		enc:      enc,
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.PublishKeys()).Methods(http.MethodPut)
	r.HandleFunc("/keys/{name}", s.ClaimKeys()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}/count", s.CountKeys()).Methods(http.MethodGet)
	return r
}

// Run blocks until Shutdown is called or the listener fails.
func (s *HttpServer) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("server listening", zap.String("addr", addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for name, p := range s.mapper {
		p.conn.Close()
		delete(s.mapper, name)
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

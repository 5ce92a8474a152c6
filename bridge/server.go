package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/danielfrankch/optogrid-client/proto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // UI clients connect from file:// and localhost origins
	},
}

// Server accepts UI consumers over WebSocket and exposes the bridge's
// health and status endpoints.
type Server struct {
	Addr string

	bridge *Bridge
	fanout *Fanout

	httpServer *http.Server

	cmu       sync.RWMutex
	consumers map[string]*Consumer

	maxConsumers int
}

func NewServer(addr string, bridge *Bridge, fanout *Fanout) *Server {
	return &Server{
		Addr:         addr,
		bridge:       bridge,
		fanout:       fanout,
		consumers:    make(map[string]*Consumer),
		maxConsumers: 16,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) Start() error {
	slog.Info("Starting bridge WebSocket server", "addr", s.Addr)

	s.httpServer = &http.Server{
		Addr:    s.Addr,
		Handler: s.routes(),
	}

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	slog.Info("Shutting down bridge WebSocket server", "addr", s.Addr)
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.cmu.RLock()
	status := Status{
		BackendConnected: s.bridge.backend.Connected(),
		Consumers:        make([]ConsumerStatus, 0, len(s.consumers)),
		Time:             time.Now(),
	}
	for _, c := range s.consumers {
		status.Consumers = append(status.Consumers, ConsumerStatus{ID: c.ID(), Topics: c.Subscriptions()})
	}
	s.cmu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	consumer := NewConsumer(conn)
	if !s.register(consumer) {
		slog.Warn("Max consumers reached, rejecting connection", "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}

	go s.handleConnection(consumer, conn, r.RemoteAddr)
}

// register inserts a consumer unless the limit is reached. Check and
// insert share one critical section so concurrent upgrades cannot
// overshoot the limit.
func (s *Server) register(c *Consumer) bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if len(s.consumers) >= s.maxConsumers {
		return false
	}
	s.consumers[c.ID()] = c
	return true
}

func (s *Server) unregister(c *Consumer) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	delete(s.consumers, c.ID())
}

func (s *Server) handleConnection(consumer *Consumer, conn *websocket.Conn, remoteAddr string) {
	slog.Info("UI consumer connected", "addr", remoteAddr, "id", consumer.ID())

	defer func() {
		s.unregister(consumer)
		s.fanout.Drop(consumer)
		consumer.Close()
		slog.Info("UI consumer disconnected", "addr", remoteAddr, "id", consumer.ID())
	}()

	go consumer.writeLoop()

	// Acknowledge the connection before accepting any requests.
	hello, _ := json.Marshal(proto.HelloPayload{ConsumerID: consumer.ID()})
	consumer.Send(proto.Frame{Type: proto.TypeHello, Data: hello, Timestamp: time.Now().Unix()})

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("Consumer connection error", "addr", remoteAddr, "error", err)
			}
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(messageBytes, &frame); err != nil {
			slog.Warn("Invalid JSON frame received", "error", err, "data", string(messageBytes))
			continue
		}
		slog.Debug("Frame received", "type", frame.Type, "request_id", frame.RequestID, "consumer", consumer.ID())

		switch frame.Type {
		case proto.TypeRequest:
			s.bridge.Forward(consumer, frame)

		case proto.TypeSubscribe:
			var sub proto.SubscriptionPayload
			if err := json.Unmarshal(frame.Data, &sub); err != nil {
				slog.Warn("Invalid subscription payload", "error", err, "consumer", consumer.ID())
				continue
			}
			for _, topic := range sub.Topics {
				s.fanout.Subscribe(topic, consumer)
			}
			consumer.addSubs(sub.Topics)

		case proto.TypeUnsubscribe:
			var sub proto.SubscriptionPayload
			if err := json.Unmarshal(frame.Data, &sub); err != nil {
				slog.Warn("Invalid subscription payload", "error", err, "consumer", consumer.ID())
				continue
			}
			for _, topic := range sub.Topics {
				s.fanout.Unsubscribe(topic, consumer)
			}
			consumer.removeSubs(sub.Topics)

		default:
			slog.Warn("Unhandled frame type", "type", frame.Type, "consumer", consumer.ID())
		}
	}
}

package wsrelay

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var validate = validator.New()

// Server relays frames between connected clients. A client names itself
// with the ?id= query parameter; anonymous clients get a random id.
type Server struct {
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*peerConn]struct{}
	topics map[string]map[*peerConn]struct{}
}

type peerConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *peerConn) send(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(f)
}

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[*peerConn]struct{}),
		topics: make(map[string]map[*peerConn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: upgrade failed: %v", err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}
	p := &peerConn{id: id, conn: conn}

	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()
	log.Debugf("relay: %s connected", id)

	defer func() {
		s.drop(p)
		_ = conn.Close()
		log.Debugf("relay: %s disconnected", id)
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("relay: read %s: %v", id, err)
			}
			return
		}
		if err := validate.Struct(f); err != nil {
			log.Debugf("relay: bad frame from %s: %v", id, err)
			continue
		}
		switch f.Op {
		case OpSub:
			s.subscribe(p, f.Topic)
		case OpUnsub:
			s.unsubscribe(p, f.Topic)
		case OpPub:
			s.fanout(Frame{Op: OpMsg, Topic: f.Topic, From: p.id, Data: f.Data})
		}
	}
}

func (s *Server) subscribe(p *peerConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*peerConn]struct{})
	}
	s.topics[topic][p] = struct{}{}
}

func (s *Server) unsubscribe(p *peerConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics[topic], p)
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
}

func (s *Server) drop(p *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, p)
	for topic, set := range s.topics {
		delete(set, p)
		if len(set) == 0 {
			delete(s.topics, topic)
		}
	}
}

// fanout writes synchronously from the publisher's read goroutine, which
// keeps per-topic order for a single publisher.
func (s *Server) fanout(f Frame) {
	s.mu.RLock()
	targets := make([]*peerConn, 0, len(s.topics[f.Topic]))
	for p := range s.topics[f.Topic] {
		targets = append(targets, p)
	}
	s.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(f); err != nil {
			log.Debugf("relay: write %s: %v", p.id, err)
			_ = p.conn.Close()
		}
	}
}

// DropAll closes every client connection. Clients reconnect on their own.
func (s *Server) DropAll() {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.RUnlock()
	for _, p := range conns {
		_ = p.conn.Close()
	}
}

// Subscribers returns how many connections are subscribed to topic.
func (s *Server) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

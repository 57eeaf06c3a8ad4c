package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 512
	sendBufferSize = 32
)

// Authenticator maps a bearer token to a user id.
type Authenticator func(token string) (string, error)

type session struct {
	uid  string
	conn *websocket.Conn
	send chan Message
}

// Broadcaster is the relay end of the hub. Connections authenticate with
// a bearer token and receive the ready announcements for their user id.
type Broadcaster struct {
	authenticate Authenticator
	upgrader     websocket.Upgrader
	log          logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
}

func NewBroadcaster(authenticate Authenticator, log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      logging.OrDiscard(log).WithField("component", "hub"),
		sessions: make(map[string]map[*session]struct{}),
	}
}

// Connected is the number of open sessions for uid.
func (b *Broadcaster) Connected(uid string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[uid])
}

// NotifyReady pushes a ready message to every session of uid. Sessions
// whose buffer is full miss the message; the client falls back to polling.
func (b *Broadcaster) NotifyReady(uid string, ticket uuid.UUID) {
	msg := Message{Type: TypeDownloadReady, RequestID: ticket}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.sessions[uid] {
		select {
		case s.send <- msg:
		default:
			b.log.WithFields(logrus.Fields{"uid": uid, "ticket": ticket}).Warn("hub session buffer full, dropping ready message")
		}
	}
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	uid, err := b.authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := &session{uid: uid, conn: conn, send: make(chan Message, sendBufferSize)}
	b.add(s)
	b.log.WithField("uid", uid).Info("hub session opened")

	go b.writePump(s)
	b.readPump(s)
}

func (b *Broadcaster) add(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sessions[s.uid]
	if !ok {
		set = make(map[*session]struct{})
		b.sessions[s.uid] = set
	}
	set[s] = struct{}{}
}

func (b *Broadcaster) remove(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.sessions[s.uid]; ok {
		if _, ok := set[s]; !ok {
			return
		}
		delete(set, s)
		if len(set) == 0 {
			delete(b.sessions, s.uid)
		}
		close(s.send)
	}
}

// readPump only exists to notice when the peer goes away.
func (b *Broadcaster) readPump(s *session) {
	defer func() {
		b.remove(s)
		s.conn.Close()
		b.log.WithField("uid", s.uid).Info("hub session closed")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.WithError(err).Debug("hub read error")
			}
			return
		}
	}
}

func (b *Broadcaster) writePump(s *session) {
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(msg); err != nil {
			b.log.WithError(err).WithField("uid", s.uid).Warn("hub write failed")
			s.conn.Close()
			return
		}
	}
}

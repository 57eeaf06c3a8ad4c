package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

const (
	handshakeTimeout = 10 * time.Second
	pingPeriod       = 30 * time.Second
	writeWait        = 10 * time.Second
)

// Client listens on the relay hub and feeds ready tickets into a Board.
type Client struct {
	url    string
	tokens auth.TokenProvider
	board  *Board
	log    logrus.FieldLogger
}

func NewClient(hubURL string, tokens auth.TokenProvider, board *Board, log logrus.FieldLogger) *Client {
	return &Client{
		url:    hubURL,
		tokens: tokens,
		board:  board,
		log:    logging.OrDiscard(log).WithField("component", "hub-client"),
	}
}

// Listen connects and processes messages until ctx ends or the socket
// fails. It returns ctx.Err() on cancellation.
func (c *Client) Listen(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return c.serve(ctx, conn)
}

// Start connects and processes messages in the background. It returns once
// the handshake completed; the returned channel yields the final error.
func (c *Client) Start(ctx context.Context) (<-chan error, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, conn) }()
	return done, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("hub token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			c.log.WithError(err).WithField("status", resp.Status).Error("hub handshake rejected")
			return nil, fmt.Errorf("dial hub %s (%s): %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial hub %s: %w", c.url, err)
	}
	c.log.WithField("url", c.url).Info("connected to hub")
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("hub closed the connection")
				return nil
			}
			return fmt.Errorf("read hub: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("skipping undecodable hub message")
			continue
		}
		switch msg.Type {
		case TypeDownloadReady:
			c.log.WithField("ticket", msg.RequestID).Debug("ticket ready")
			c.board.MarkReady(msg.RequestID)
		default:
			c.log.WithField("type", msg.Type).Debug("ignoring hub message")
		}
	}
}

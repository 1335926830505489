package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dm-sync/internal/models"
	"dm-sync/internal/session"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 16 << 20
)

var errUnknownAction = errors.New("unknown action")

// inbound is one client action frame.
type inbound struct {
	Action     string      `json:"action"`
	ID         string      `json:"id,omitempty"`
	DraftID    string      `json:"draft_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	Emoji      string      `json:"emoji,omitempty"`
	IDs        []string    `json:"ids,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Client is one websocket connection driving one session.
type Client struct {
	info    ConnInfo
	sess    *session.Session
	limiter *rate.Limiter
	log     *zap.Logger

	send     chan []byte
	done     chan struct{}
	finished chan struct{}
	inflight sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	reason    string
	closeOnce sync.Once
}

func newClient(info ConnInfo, limiter *rate.Limiter, buffer int, log *zap.Logger) *Client {
	return &Client{
		info:     info,
		limiter:  limiter,
		log:      log,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// push queues an event without blocking. A client that cannot keep up is dropped.
func (c *Client) push(ev models.ChatEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("ws_event_encode_failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("ws_client_too_slow", zap.String("conn_id", c.info.ConnID))
		c.closeWith("send buffer full")
	}
}

func (c *Client) attach(conn *websocket.Conn, sess *session.Session) {
	c.mu.Lock()
	c.conn = conn
	c.sess = sess
	c.mu.Unlock()
	select {
	case <-c.done:
		conn.Close()
	default:
	}
}

func (c *Client) closeWith(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		conn := c.conn
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith(err.Error())
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.closeWith(err.Error())
				return
			}
		}
	}
}

// readPump handles action frames until the connection fails. The returned
// error is nil for a normal close.
func (c *Client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.push(models.ChatEvent{Type: "error", Error: "invalid frame: " + err.Error()})
			continue
		}
		if !c.limiter.Allow() {
			c.push(models.ChatEvent{Type: "error", Error: in.Action + ": rate limited", Retryable: true})
			continue
		}
		if !mutating(in.Action) {
			c.dispatch(ctx, in)
			continue
		}
		c.inflight.Add(1)
		go func(in inbound) {
			defer c.inflight.Done()
			c.dispatch(ctx, in)
		}(in)
	}
}

// mutating reports actions that may wait on an upload or a commit. They run
// concurrently; the rest keep frame order.
func mutating(action string) bool {
	switch action {
	case "send", "edit", "delete", "react":
		return true
	}
	return false
}

// drain waits for in-flight actions, giving up after timeout.
func (c *Client) drain(timeout time.Duration) bool {
	idle := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) dispatch(ctx context.Context, in inbound) {
	var err error
	switch in.Action {
	case "send":
		draft := models.Draft{ID: in.DraftID, Text: in.Text, ReplyToID: in.ReplyToID}
		if in.Attachment != nil {
			draft.Upload = &models.Attachment{
				Filename:    in.Attachment.Filename,
				ContentType: in.Attachment.ContentType,
				Data:        in.Attachment.Data,
			}
		}
		var msg models.Message
		if msg, err = c.sess.Send(ctx, draft); err == nil {
			c.push(models.ChatEvent{Type: "sent", Message: &msg, MessageID: msg.ID})
		}
	case "edit":
		err = c.sess.Edit(ctx, in.ID, in.Text)
	case "delete":
		err = c.sess.Delete(ctx, in.ID)
	case "react":
		err = c.sess.React(ctx, in.ID, in.Emoji)
	case "visible":
		c.sess.MarkVisible(in.IDs...)
	case "flush_read":
		c.sess.FlushReceipts(ctx)
	case "load_older":
		_, err = c.sess.LoadOlder(ctx)
	default:
		err = errUnknownAction
	}
	if err != nil {
		c.log.Debug("ws_action_failed", zap.String("action", in.Action), zap.Error(err))
		c.push(session.ErrorEvent(in.Action, err))
	}
}

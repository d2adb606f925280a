package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chorushq/chorus/internal/session"
)

// subscriberBuffer is the per-connection backlog. A subscriber that falls
// further behind than this starts losing lines rather than stalling the
// pipeline.
const subscriberBuffer = 64

// writeTimeout caps one websocket write.
const writeTimeout = 5 * time.Second

// wireLine is the JSON shape broadcast to subscribers.
type wireLine struct {
	UserID   string `json:"user_id"`
	GuildID  string `json:"guild_id"`
	Label    string `json:"label"`
	Seq      uint64 `json:"seq"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Hub broadcasts transcript lines to websocket subscribers. It is both a
// session.Publisher and the http.Handler for the subscription endpoint.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	dropped uint64
}

var _ session.Publisher = (*Hub)(nil)
var _ http.Handler = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger overrides the default logger.
func WithHubLogger(log *slog.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:  slog.Default(),
		subs: make(map[chan []byte]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish broadcasts the line to every connected subscriber. Slow
// subscribers lose lines instead of blocking; Publish itself never fails
// the pipeline.
func (h *Hub) Publish(_ context.Context, line session.Line) error {
	wl := wireLine{
		UserID:   line.UserID,
		GuildID:  line.GuildID,
		Label:    line.Label,
		Seq:      line.Seq,
		StartMs:  line.Start.Milliseconds(),
		EndMs:    line.End.Milliseconds(),
		Text:     line.Text,
		Language: line.Language,
	}
	if line.Err != nil {
		wl.Error = line.Err.Error()
	}
	data, err := json.Marshal(wl)
	if err != nil {
		return fmt.Errorf("sink: marshal line: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.dropped++
		}
	}
	return nil
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams lines until the client goes
// away. Incoming messages are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Info("transcript subscriber connected", "remote", r.RemoteAddr, "subscribers", n)

	defer func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		c.Close(websocket.StatusNormalClosure, "")
		h.log.Info("transcript subscriber disconnected", "remote", r.RemoteAddr)
	}()

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

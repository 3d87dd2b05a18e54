// Package bus fans status and QR events out to SSE subscribers. One hub per
// process; subscribers are grouped by API key and each gets a private FIFO
// buffer so a slow client never blocks the publisher.
package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/log"
	"github.com/wagate/wagate/internal/metrics"
)

const (
	heartbeatInterval = 25 * time.Second
	subscriberBuffer  = 32
)

// StatusEvent is the payload of a "status" frame.
type StatusEvent struct {
	APIKey    string `json:"apiKey"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// QREvent is the payload of a "qr" frame. QR is null when a pairing code was
// consumed or invalidated.
type QREvent struct {
	APIKey string  `json:"apiKey"`
	QR     *string `json:"qr"`
}

type subscriber struct {
	ch chan []byte
}

// Hub is the process-wide event fan-out.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	heartbeat time.Duration
	allowed   map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs:      make(map[string]map[*subscriber]struct{}),
		heartbeat: heartbeatInterval,
	}
}

// AllowOrigins restricts which Origin values get reflected in CORS headers.
// An empty list keeps the default of reflecting any origin.
func (h *Hub) AllowOrigins(origins []string) {
	if len(origins) == 0 {
		h.allowed = nil
		return
	}
	h.allowed = make(map[string]struct{}, len(origins))
	for _, o := range origins {
		h.allowed[o] = struct{}{}
	}
}

// PublishStatus broadcasts a status frame to every subscriber of the key.
func (h *Hub) PublishStatus(ev StatusEvent) {
	h.broadcast(ev.APIKey, frame("status", ev))
}

// PublishQR broadcasts a qr frame. A nil qr tells subscribers the buffered
// pairing payload is gone.
func (h *Hub) PublishQR(apiKey string, qr *string) {
	h.broadcast(apiKey, frame("qr", QREvent{APIKey: apiKey, QR: qr}))
}

// SubscriberCount reports the number of live subscribers for the key.
func (h *Hub) SubscriberCount(apiKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[apiKey])
}

func (h *Hub) broadcast(apiKey string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[apiKey] {
		select {
		case sub.ch <- payload:
		default:
			// Buffer full: the client stopped reading long ago. Drop it;
			// its serve loop exits when the channel closes.
			h.dropLocked(apiKey, sub)
			metrics.SSEEventsDropped.Inc()
			logger := log.WithComponent("bus")
			logger.Warn().
				Str(log.FieldAPIKey, apiKey).
				Msg("dropping slow SSE subscriber")
		}
	}
}

func (h *Hub) attach(apiKey string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[apiKey]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[apiKey] = set
	}
	set[sub] = struct{}{}
	metrics.SSESubscribers.Inc()
}

func (h *Hub) detach(apiKey string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[apiKey][sub]; ok {
		h.dropLocked(apiKey, sub)
	}
}

func (h *Hub) dropLocked(apiKey string, sub *subscriber) {
	delete(h.subs[apiKey], sub)
	if len(h.subs[apiKey]) == 0 {
		delete(h.subs, apiKey)
	}
	close(sub.ch)
	metrics.SSESubscribers.Dec()
}

// Serve attaches the request as an SSE subscriber and streams events until
// the client disconnects or the hub drops it. initial, when non-nil, is
// pushed as the first status frame; lastQR seeds a qr frame so a late
// subscriber still sees the buffered pairing payload.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, apiKey string, initial *StatusEvent, lastQR *string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	h.setCORS(w, r)
	w.WriteHeader(http.StatusOK)

	// Comment frame flushes headers through any buffering proxy.
	_, _ = w.Write([]byte(": connected\n\n"))
	if initial != nil {
		_, _ = w.Write(frame("status", *initial))
	}
	if lastQR != nil {
		_, _ = w.Write(frame("qr", QREvent{APIKey: apiKey, QR: lastQR}))
	}
	flusher.Flush()

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.attach(apiKey, sub)
	defer h.detach(apiKey, sub)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Deliver frames that were queued before the disconnect; the
			// writes fail harmlessly if the peer is really gone.
			for {
				select {
				case payload, open := <-sub.ch:
					if !open {
						return
					}
					if _, err := w.Write(payload); err != nil {
						return
					}
				default:
					return
				}
			}
		case payload, open := <-sub.ch:
			if !open {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	if h.allowed != nil {
		if _, ok := h.allowed[origin]; !ok {
			// Not allowlisted: send no CORS headers and let the browser
			// refuse the stream.
			return
		}
	}
	// Credentials only ever pair with a concrete origin, never "*".
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Vary", "Origin")
}

func frame(name string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types are closed structs; marshal cannot fail in practice.
		data = []byte("{}")
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, data)
	return buf.Bytes()
}

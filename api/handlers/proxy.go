// Package handlers provides the HTTP transport of the proxy.
package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remote-test-proxy/backend/internal/asset"
	"github.com/remote-test-proxy/backend/internal/model"
	"github.com/remote-test-proxy/backend/internal/sequencer"
)

// WaitPolicy decides whether a POST is acknowledged only after its events
// have been delivered to every listener.
type WaitPolicy struct {
	// Always waits for every batch.
	Always bool

	// Events lists event names that make their whole batch wait.
	Events map[string]bool
}

// NewWaitPolicy builds a WaitPolicy from configuration values.
func NewWaitPolicy(always bool, events []string) WaitPolicy {
	p := WaitPolicy{Always: always, Events: make(map[string]bool, len(events))}
	for _, name := range events {
		p.Events[name] = true
	}
	return p
}

// ShouldWait reports whether the batch must be delivered before responding.
func (p WaitPolicy) ShouldWait(events []*model.Event) bool {
	if p.Always {
		return true
	}
	for _, ev := range events {
		if p.Events[ev.Name] {
			return true
		}
	}
	return false
}

// ProxyHandler routes requests to the asset server or the sequencer.
type ProxyHandler struct {
	assets      *asset.Server
	sequencer   *sequencer.Sequencer
	wait        WaitPolicy
	maxBodySize int64
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(assets *asset.Server, seq *sequencer.Sequencer, wait WaitPolicy) *ProxyHandler {
	return &ProxyHandler{
		assets:      assets,
		sequencer:   seq,
		wait:        wait,
		maxBodySize: model.MaxPayloadSize,
	}
}

// SetMaxBodySize overrides the POST body limit.
func (h *ProxyHandler) SetMaxBodySize(n int64) {
	h.maxBodySize = n
}

// RegisterRoutes sends every path and method to Dispatch. Methods gin has no
// route table for fall through to NoRoute.
func (h *ProxyHandler) RegisterRoutes(r *gin.Engine) {
	r.Any("/*path", h.Dispatch)
	r.NoRoute(h.Dispatch)
}

// Dispatch classifies a request by method.
func (h *ProxyHandler) Dispatch(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet:
		h.Get(c)
	case http.MethodHead:
		h.Head(c)
	case http.MethodPost:
		h.Post(c)
	default:
		c.Status(http.StatusNotImplemented)
	}
}

// Get handles GET /{path}. Scripts are instrumented when eligible.
func (h *ProxyHandler) Get(c *gin.Context) {
	p := c.Request.URL.Path
	if h.assets.Serve(c.Request.Context(), c.Writer, p, asset.Mode{Instrument: asset.IsScript(p)}) {
		dropConnection(c)
	}
}

// Head handles HEAD /{path}.
func (h *ProxyHandler) Head(c *gin.Context) {
	if h.assets.Serve(c.Request.Context(), c.Writer, c.Request.URL.Path, asset.Mode{OmitContent: true}) {
		dropConnection(c)
	}
}

// dropConnection closes the client connection without a response. Hijacking
// also marks gin's writer as written, so no default status is flushed.
func dropConnection(c *gin.Context) {
	c.Abort()
	defer func() {
		// The underlying writer may not support hijacking.
		if r := recover(); r != nil {
			log.Printf("Failed to drop connection for %s: %v", c.Request.URL.Path, r)
		}
	}()

	conn, _, err := c.Writer.Hijack()
	if err != nil {
		log.Printf("Failed to drop connection for %s: %v", c.Request.URL.Path, err)
		return
	}
	conn.Close()
}

// Post handles POST / - a single event or a batch of events.
func (h *ProxyHandler) Post(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodySize))
	if err != nil {
		log.Printf("Failed to read event body: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	events, err := model.ParseBatch(body)
	if err != nil {
		log.Printf("Rejected event batch: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	deliveries := make([]*sequencer.Delivery, 0, len(events))
	for _, ev := range events {
		deliveries = append(deliveries, h.sequencer.Submit(ev))
	}

	if h.wait.ShouldWait(events) {
		if err := sequencer.WaitAll(c.Request.Context(), deliveries); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	// Sequence violations are known at submission time even when not waiting.
	for _, d := range deliveries {
		if errors.Is(d.Err(), model.ErrSequenceViolation) {
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/pkg/models"
)

// hub fans server-pushed events out to every ready connection. It
// implements agent.EventSink: cosmetic frames are dropped when a
// connection's send buffer is full, boundary frames wait for room (a wedged
// connection unblocks the send when its read deadline kills it).
type hub struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func newHub(logger *observability.Logger, metrics *observability.Metrics) *hub {
	return &hub{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[*conn]struct{}),
	}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
}

func (h *hub) snapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Emit broadcasts one event frame to all ready connections.
func (h *hub) Emit(ctx context.Context, typ models.WireEventType, data any) {
	frame, err := json.Marshal(rpc.NewEvent(string(typ), data))
	if err != nil {
		h.logger.Warn(ctx, "failed to encode event frame", "type", string(typ), "error", err)
		return
	}
	for _, c := range h.snapshot() {
		c.sendEvent(typ, frame)
	}
}

// closeAll sends a close frame to every connection and tears them down.
func (h *hub) closeAll(code int, reason string) {
	for _, c := range h.snapshot() {
		c.closeWith(code, reason)
	}
}

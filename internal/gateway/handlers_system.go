package gateway

import (
	"context"
	"time"

	"github.com/tronlabs/tron/internal/rpc"
)

func (s *Server) registerSystemMethods() {
	r := s.registry
	r.Register("system.health", s.handleSystemHealth)
	r.Register("system.status", s.handleSystemStatus)
	r.Register("system.ping", s.handleSystemPing)
}

func (s *Server) handleSystemHealth(_ context.Context, _ *rpc.Request) (any, error) {
	return map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
	}, nil
}

func (s *Server) handleSystemStatus(ctx context.Context, _ *rpc.Request) (any, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version":         s.config.ServerVersion,
		"protocolVersion": protocolVersion,
		"startedAt":       s.startTime.UTC().Format(time.RFC3339Nano),
		"uptimeMs":        time.Since(s.startTime).Milliseconds(),
		"connections":     len(s.hub.snapshot()),
		"methods":         len(s.registry.Methods()),
		"db":              stats,
	}, nil
}

func (s *Server) handleSystemPing(_ context.Context, _ *rpc.Request) (any, error) {
	return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
}

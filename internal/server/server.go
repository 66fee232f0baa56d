// Package server exposes the record service over HTTP and serves gRPC
// health checks.
package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/record"
	"github.com/alfredjeanlab/gridbase/internal/store"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	records *record.Service
	store   store.Store
	hub     *EventHub
	logger  *slog.Logger
}

// New returns a server for svc. hub may be nil, which disables the event
// stream endpoint.
func New(svc *record.Service, st store.Store, hub *EventHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{records: svc, store: st, hub: hub, logger: logger}
}

// EventHub is an events.Publisher that fans published events out to
// connected event stream clients before forwarding them to next.
type EventHub struct {
	stream *streamHub
	next   events.Publisher
}

// NewEventHub returns a hub forwarding to next, which may be nil.
func NewEventHub(next events.Publisher) *EventHub {
	return &EventHub{stream: newStreamHub(), next: next}
}

// Publish implements events.Publisher. Stream delivery is best effort; the
// error of the forwarded publish is returned.
func (h *EventHub) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal event for stream clients", "topic", topic, "error", err)
	} else {
		h.stream.broadcast(topic, events.TablesOf(event), payload)
	}
	if h.next == nil {
		return nil
	}
	return h.next.Publish(ctx, topic, event)
}

// Close closes the forwarded publisher.
func (h *EventHub) Close() error {
	if h.next == nil {
		return nil
	}
	return h.next.Close()
}

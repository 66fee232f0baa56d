package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/logging"
)

const (
	// replaySize is how many recent events are kept for Last-Event-ID
	// resumption.
	replaySize = 1000

	// keepaliveInterval keeps idle streams open through proxies.
	keepaliveInterval = 15 * time.Second

	// subscriberBuffer is the per-client queue; events beyond it are dropped
	// for that client.
	subscriberBuffer = 64

	// topicStreamReset is sent when a resuming client asked for events that
	// have already left the replay buffer. Clients should refetch state.
	topicStreamReset = "gridbase.stream.reset"
)

// streamEvent is one published event as seen by stream clients.
type streamEvent struct {
	Seq    uint64
	Topic  string
	Tables []string
	Data   []byte
}

// eventRing keeps the most recent events in publish order.
type eventRing struct {
	mu    sync.RWMutex
	buf   []streamEvent
	start int
	n     int
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]streamEvent, size)}
}

func (r *eventRing) push(e streamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// after returns the buffered events with a sequence number above seq. gap
// is true when events between seq and the oldest buffered one were evicted.
func (r *eventRing) after(seq uint64) (out []streamEvent, gap bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.n == 0 {
		return nil, false
	}
	if oldest := r.buf[r.start].Seq; oldest > seq+1 {
		gap = true
	}
	for i := range r.n {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out, gap
}

// streamFilter selects the events one client receives.
type streamFilter struct {
	topics []string // subject patterns; empty matches every topic
	table  string   // only events touching this table; empty matches all
}

// parseStreamFilter reads the topics and table query parameters.
func parseStreamFilter(q url.Values) streamFilter {
	var f streamFilter
	for _, t := range strings.Split(q.Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.topics = append(f.topics, t)
		}
	}
	f.table = strings.TrimSpace(q.Get("table"))
	return f
}

func (f streamFilter) match(e *streamEvent) bool {
	if f.table != "" && !containsString(e.Tables, f.table) {
		return false
	}
	if len(f.topics) == 0 {
		return true
	}
	for _, p := range f.topics {
		if topicMatches(p, e.Topic) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// topicMatches matches a dot-separated topic against a NATS-style subject
// pattern: "*" matches one segment, a trailing ">" one or more.
func topicMatches(pattern, topic string) bool {
	for {
		p, prest, pmore := strings.Cut(pattern, ".")
		t, trest, tmore := strings.Cut(topic, ".")
		if p == ">" {
			return t != ""
		}
		if p != "*" && p != t {
			return false
		}
		if !pmore || !tmore {
			return pmore == tmore
		}
		pattern, topic = prest, trest
	}
}

// streamHub fans events out to connected stream clients.
type streamHub struct {
	seq    atomic.Uint64
	replay *eventRing

	mu   sync.RWMutex
	subs map[*streamSub]struct{}
}

type streamSub struct {
	filter streamFilter
	ch     chan streamEvent
}

func newStreamHub() *streamHub {
	return &streamHub{replay: newEventRing(replaySize), subs: make(map[*streamSub]struct{})}
}

// broadcast records the event for replay and queues it for every matching
// client. It never blocks on a slow client.
func (h *streamHub) broadcast(topic string, tables []string, data []byte) uint64 {
	e := streamEvent{Seq: h.seq.Add(1), Topic: topic, Tables: tables, Data: data}
	h.replay.push(e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(&e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
	return e.Seq
}

func (h *streamHub) subscribe(f streamFilter) *streamSub {
	s := &streamSub{filter: f, ch: make(chan streamEvent, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *streamHub) unsubscribe(s *streamSub) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// lastEventID reads the resume position from the Last-Event-ID header, or
// the lastEventId query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	return id, err == nil
}

// handleEventStream serves GET /v1/events/stream as server-sent events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	hub := s.hub.stream
	filter := parseStreamFilter(r.URL.Query())

	// Subscribe before replaying so nothing published in between is lost.
	sub := hub.subscribe(filter)
	defer hub.unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry:3000\n\n")

	var sent uint64
	if last, ok := lastEventID(r); ok {
		replay, gap := hub.replay.after(last)
		if gap {
			fmt.Fprintf(w, "event:%s\ndata:{\"last_event_id\":%d}\n\n", topicStreamReset, last)
		}
		for i := range replay {
			if filter.match(&replay[i]) {
				writeStreamEvent(w, &replay[i])
				sent = replay[i].Seq
			}
		}
	}
	flusher.Flush()
	logger := logging.FromContext(r.Context())
	logger.Debug("event stream opened", "topics", filter.topics, "table", filter.table)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed")
			return
		case e := <-sub.ch:
			// Skip events already delivered by the replay.
			if e.Seq <= sent {
				continue
			}
			writeStreamEvent(w, &e)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, e *streamEvent) {
	fmt.Fprintf(w, "id:%d\nevent:%s\n", e.Seq, e.Topic)
	if len(e.Tables) > 0 {
		// A comment line lets simple clients filter without parsing data.
		fmt.Fprintf(w, ":tables %s\n", strings.Join(e.Tables, ","))
	}
	fmt.Fprintf(w, "data:%s\n\n", e.Data)
}

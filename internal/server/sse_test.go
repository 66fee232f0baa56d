package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/gridbase/internal/events"
)

func TestStreamHub_Broadcast(t *testing.T) {
	hub := newStreamHub()
	all := hub.subscribe(streamFilter{})
	defer hub.unsubscribe(all)
	books := hub.subscribe(streamFilter{table: "tblBooks"})
	defer hub.unsubscribe(books)

	hub.broadcast(events.TopicRecordsCreated, []string{"tblAuthors"}, []byte(`{"n":1}`))
	seq := hub.broadcast(events.TopicRecordsUpdated, []string{"tblAuthors", "tblBooks"}, []byte(`{"n":2}`))
	if seq != 2 {
		t.Fatalf("second broadcast seq = %d, want 2", seq)
	}

	if got := len(all.ch); got != 2 {
		t.Fatalf("unfiltered client queued %d events, want 2", got)
	}
	if got := len(books.ch); got != 1 {
		t.Fatalf("table client queued %d events, want 1", got)
	}
	if e := <-books.ch; e.Seq != 2 || string(e.Data) != `{"n":2}` {
		t.Fatalf("table client got %+v", e)
	}
}

func TestStreamHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := newStreamHub()
	slow := hub.subscribe(streamFilter{})
	defer hub.unsubscribe(slow)

	for range subscriberBuffer + 10 {
		hub.broadcast(events.TopicRecordsCreated, nil, []byte(`{}`))
	}
	if got := len(slow.ch); got != subscriberBuffer {
		t.Fatalf("queued %d events, want %d", got, subscriberBuffer)
	}
	hub.unsubscribe(slow)
	hub.broadcast(events.TopicRecordsDeleted, nil, []byte(`{}`))
	if got := len(slow.ch); got != subscriberBuffer {
		t.Fatalf("unsubscribed client still received events")
	}
}

func TestEventRing(t *testing.T) {
	r := newEventRing(3)
	if out, gap := r.after(0); out != nil || gap {
		t.Fatalf("empty ring returned %v, gap=%v", out, gap)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		r.push(streamEvent{Seq: seq})
	}

	for _, tc := range []struct {
		after   uint64
		want    []uint64
		wantGap bool
	}{
		{0, []uint64{3, 4, 5}, true},
		{1, []uint64{3, 4, 5}, true},
		{2, []uint64{3, 4, 5}, false},
		{4, []uint64{5}, false},
		{5, nil, false},
	} {
		out, gap := r.after(tc.after)
		var seqs []uint64
		for _, e := range out {
			seqs = append(seqs, e.Seq)
		}
		if !slices.Equal(seqs, tc.want) || gap != tc.wantGap {
			t.Errorf("after(%d) = %v gap=%v, want %v gap=%v", tc.after, seqs, gap, tc.want, tc.wantGap)
		}
	}
}

func TestParseStreamFilter(t *testing.T) {
	f := parseStreamFilter(url.Values{"topics": {" gridbase.records.*, ,gridbase.schema.updated"}, "table": {"tblBooks"}})
	if !slices.Equal(f.topics, []string{"gridbase.records.*", "gridbase.schema.updated"}) || f.table != "tblBooks" {
		t.Fatalf("unexpected filter %+v", f)
	}
	if f := parseStreamFilter(url.Values{}); f.topics != nil || f.table != "" {
		t.Fatalf("empty query gave %+v", f)
	}
}

func TestTopicMatches(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		topic   string
		want    bool
	}{
		{events.TopicRecordsCreated, events.TopicRecordsCreated, true},
		{events.TopicRecordsCreated, events.TopicRecordsUpdated, false},
		{"gridbase.records.*", events.TopicRecordsDeleted, true},
		{"gridbase.records.*", events.TopicSchemaUpdated, false},
		{events.TopicAll, events.TopicSchemaUpdated, true},
		{events.TopicAll, "gridbase", false},
		{events.TopicAll, "other.records.created", false},
		{"*.*.*", events.TopicRecordsCreated, true},
		{"*.*.*", "gridbase.records", false},
		{"gridbase.records", events.TopicRecordsCreated, false},
	} {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			if got := topicMatches(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("topicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

// streamClient runs one SSE request against the handler until stop is called.
type streamClient struct {
	rec    *httptest.ResponseRecorder
	cancel context.CancelFunc
	done   chan struct{}
}

func startStream(handler http.Handler, path string, headers ...string) *streamClient {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	c := &streamClient{rec: httptest.NewRecorder(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		handler.ServeHTTP(c.rec, req)
	}()
	// Give the handler time to register the subscription.
	time.Sleep(50 * time.Millisecond)
	return c
}

func (c *streamClient) stop() string {
	time.Sleep(50 * time.Millisecond)
	c.cancel()
	<-c.done
	return c.rec.Body.String()
}

func TestHandleEventStream_Format(t *testing.T) {
	ts := newTestServer(t, "")
	c := startStream(ts.handler, "/v1/events/stream")
	ts.hub.stream.broadcast(events.TopicRecordsCreated, []string{"tblItems"}, []byte(`{"operation_id":"op-fmt"}`))
	body := c.stop()

	if ct := c.rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type=text/event-stream, got %q", ct)
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	var id, event, data, tables string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":tables "):
			tables = strings.TrimPrefix(line, ":tables ")
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimPrefix(line, "id:")
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		}
	}
	if id == "" {
		t.Fatal("expected non-empty id field")
	}
	if event != events.TopicRecordsCreated {
		t.Fatalf("expected event=%s, got %q", events.TopicRecordsCreated, event)
	}
	if data != `{"operation_id":"op-fmt"}` {
		t.Fatalf("unexpected data %q", data)
	}
	if tables != "tblItems" {
		t.Fatalf("unexpected tables comment %q", tables)
	}
	if !strings.HasPrefix(body, "retry:3000\n") {
		t.Fatalf("expected retry hint first, got:\n%s", body)
	}
}

func TestHandleEventStream_TopicFilter(t *testing.T) {
	ts := newTestServer(t, "")
	c := startStream(ts.handler, "/v1/events/stream?topics=gridbase.schema.*")
	ts.hub.stream.broadcast(events.TopicRecordsCreated, nil, []byte(`{}`))
	ts.hub.stream.broadcast(events.TopicSchemaUpdated, []string{"tblItems"}, []byte(`{"table_id":"tblItems"}`))
	body := c.stop()

	if strings.Contains(body, events.TopicRecordsCreated) {
		t.Fatalf("expected record event to be filtered out, got:\n%s", body)
	}
	if !strings.Contains(body, "event:"+events.TopicSchemaUpdated) {
		t.Fatalf("expected schema event in body, got:\n%s", body)
	}
}

func TestHandleEventStream_LastEventID(t *testing.T) {
	ts := newTestServer(t, "")
	ts.hub.stream.broadcast(events.TopicRecordsCreated, nil, []byte(`{"n":1}`))
	ts.hub.stream.broadcast(events.TopicRecordsUpdated, nil, []byte(`{"n":2}`))
	ts.hub.stream.broadcast(events.TopicRecordsDeleted, nil, []byte(`{"n":3}`))

	body := startStream(ts.handler, "/v1/events/stream", "Last-Event-ID", "1").stop()

	if strings.Contains(body, `data:{"n":1}`) {
		t.Fatalf("expected event 1 to be skipped, got:\n%s", body)
	}
	if !strings.Contains(body, `data:{"n":2}`) || !strings.Contains(body, `data:{"n":3}`) {
		t.Fatalf("expected events 2 and 3 in body, got:\n%s", body)
	}
}

func TestHandleEventStream_LastEventIDQuery(t *testing.T) {
	ts := newTestServer(t, "")
	ts.hub.stream.broadcast(events.TopicRecordsCreated, nil, []byte(`{"n":1}`))
	ts.hub.stream.broadcast(events.TopicRecordsUpdated, nil, []byte(`{"n":2}`))

	body := startStream(ts.handler, "/v1/events/stream?lastEventId=1").stop()
	if strings.Contains(body, `data:{"n":1}`) || !strings.Contains(body, `data:{"n":2}`) {
		t.Fatalf("unexpected replay:\n%s", body)
	}
	if strings.Contains(body, topicStreamReset) {
		t.Fatalf("unexpected reset event:\n%s", body)
	}
}

func TestHandleEventStream_ReplayGap(t *testing.T) {
	ts := newTestServer(t, "")
	for range replaySize + 2 {
		ts.hub.stream.broadcast(events.TopicRecordsUpdated, nil, []byte(`{}`))
	}

	body := startStream(ts.handler, "/v1/events/stream", "Last-Event-ID", "1").stop()
	if !strings.Contains(body, "event:"+topicStreamReset) {
		t.Fatalf("expected reset event, got:\n%.300s", body)
	}
	if got := strings.Count(body, "event:"+events.TopicRecordsUpdated); got != replaySize {
		t.Fatalf("replayed %d events, want %d", got, replaySize)
	}
}

func TestHandleEventStream_TableFilter(t *testing.T) {
	ts := newTestServer(t, "")
	c := startStream(ts.handler, "/v1/events/stream?table=tblBroken")
	ts.seed(t)
	body := c.stop()
	if strings.Contains(body, "event:") {
		t.Fatalf("expected no events for an untouched table, got:\n%s", body)
	}
}

// A record write through the service reaches stream clients and the
// forwarded publisher.
func TestHandleEventStream_RecordWrites(t *testing.T) {
	ts := newTestServer(t, "")
	c1 := startStream(ts.handler, "/v1/events/stream")
	c2 := startStream(ts.handler, "/v1/events/stream")

	rec := ts.do(t, http.MethodPost, "/v1/tables/tblItems/records", map[string]any{
		"records": []map[string]any{{"id": "recSSE", "fields": map[string]any{"fldName": "streamed", "fldQty": 4}}},
	}, headerOpID, "op-sse")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body.String())
	}

	for i, body := range []string{c1.stop(), c2.stop()} {
		if !strings.Contains(body, "event:"+events.TopicRecordsCreated) {
			t.Fatalf("client %d: expected created event, got:\n%s", i+1, body)
		}
		var batch events.ChangeBatch
		for _, line := range strings.Split(body, "\n") {
			if strings.HasPrefix(line, "data:") {
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &batch); err != nil {
					t.Fatalf("client %d: decode batch: %v", i+1, err)
				}
			}
		}
		if batch.OperationID != "op-sse" || len(batch.RecordIDs) != 1 || batch.RecordIDs[0] != "recSSE" {
			t.Fatalf("client %d: unexpected batch %+v", i+1, batch)
		}
	}
	if got := len(ts.pub.Events()); got != 1 {
		t.Fatalf("forwarded publisher saw %d events, want 1", got)
	}
}

func TestHandleEventStream_Disabled(t *testing.T) {
	ts := newTestServer(t, "")
	srv := New(ts.srv.records, ts.st, nil, nil)
	rec := httptest.NewRecorder()
	srv.NewHTTPHandler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

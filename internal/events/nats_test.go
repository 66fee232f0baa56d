package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// embeddedNATS starts an in-process NATS server for the test and returns
// its client URL.
func embeddedNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func pair(t *testing.T) (*NATSPublisher, *NATSSubscriber) {
	t.Helper()
	url := embeddedNATS(t)
	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return pub, sub
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestNATS_BatchRoundTrip(t *testing.T) {
	pub, sub := pair(t)
	ch, cancel, err := sub.Subscribe(TopicAll)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	if err := pub.Publish(context.Background(), TopicRecordsUpdated, testBatch()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	batch, err := DecodeBatch(receive(t, ch))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.OperationID != "op-1" || batch.Actor != "usr1" || len(batch.Tables) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	ops := batch.Ops["tblA"]["rec1"]
	if len(ops) != 1 || ops[0].FieldID != "fldA" || ops[0].NewValue != 2.0 {
		t.Fatalf("unexpected ops %+v", batch.Ops)
	}
}

func TestNATSPublisher_Headers(t *testing.T) {
	url := embeddedNATS(t)
	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer nc.Close()
	msgs := make(chan *nats.Msg, 2)
	s, err := nc.ChanSubscribe(TopicAll, msgs)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer s.Unsubscribe() //nolint:errcheck
	nc.Flush()

	ctx := context.Background()
	if err := pub.Publish(ctx, TopicRecordsCreated, ptrBatch()); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, TopicSchemaUpdated, SchemaUpdated{TableID: "tblC", Version: 4}); err != nil {
		t.Fatal(err)
	}
	pub.Flush()

	for _, want := range []struct{ op, tables string }{
		{"op-1", "tblA,tblB"},
		{"", "tblC"},
	} {
		select {
		case msg := <-msgs:
			if got := msg.Header.Get(HeaderOperationID); got != want.op {
				t.Errorf("%s: operation header = %q, want %q", msg.Subject, got, want.op)
			}
			if got := msg.Header.Get(HeaderTables); got != want.tables {
				t.Errorf("%s: tables header = %q, want %q", msg.Subject, got, want.tables)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestNATSSubscriber_SubjectWildcard(t *testing.T) {
	pub, sub := pair(t)
	ch, cancel, err := sub.Subscribe("gridbase.records.*")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	pub.Publish(ctx, TopicSchemaUpdated, SchemaUpdated{TableID: "tblA"})
	pub.Publish(ctx, TopicRecordsDeleted, testBatch())
	pub.Flush()

	if _, err := DecodeBatch(receive(t, ch)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	select {
	case data := <-ch:
		t.Fatalf("schema event leaked through record filter: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSSubscriber_Cancel(t *testing.T) {
	pub, sub := pair(t)
	ch, cancel, err := sub.Subscribe(TopicAll)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			_ = pub.Publish(context.Background(), TopicRecordsCreated, testBatch())
		}
	}()
	cancel()
	cancel()
	<-done

	for range ch {
	}
}

func TestNATSPublisher_Errors(t *testing.T) {
	pub, _ := pair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, TopicRecordsUpdated, testBatch()); err == nil {
		t.Fatal("expected error for canceled context")
	}

	if err := pub.Publish(context.Background(), TopicRecordsUpdated, map[string]any{"bad": func() {}}); err == nil {
		t.Fatal("expected marshal error")
	}

	pub.Close()
	if err := pub.Publish(context.Background(), TopicSchemaUpdated, SchemaUpdated{TableID: "tblA"}); err != ErrClosed {
		t.Fatalf("publish after close = %v, want ErrClosed", err)
	}
}

func TestNATSSubscriber_Unreachable(t *testing.T) {
	if _, err := NewNATSSubscriber("nats://127.0.0.1:1", nats.MaxReconnects(0), nats.Timeout(200*time.Millisecond)); err == nil {
		t.Fatal("expected connection error")
	}
}

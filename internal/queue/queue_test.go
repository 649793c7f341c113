package queue

import (
	"context"
	"testing"
	"time"
)

func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		raw  string
		want Message
	}{
		{raw: `scan|{"kind":"qr","payload":"Jane Doe,BSCS,,"}`, want: Message{Type: "scan", Body: []byte(`{"kind":"qr","payload":"Jane Doe,BSCS,,"}`)}},
		{raw: "scan|a|b", want: Message{Type: "scan", Body: []byte("a|b")}},
		{raw: "untyped", want: Message{Body: []byte("untyped")}},
	}
	for _, tt := range tests {
		got := deserialize(tt.raw)
		if got.Type != tt.want.Type || string(got.Body) != string(tt.want.Body) {
			t.Errorf("deserialize(%q) = %q %q", tt.raw, got.Type, got.Body)
		}
		if tt.want.Type != "" && serialize(got) != tt.raw {
			t.Errorf("serialize() = %q, want %q", serialize(got), tt.raw)
		}
	}
}

func TestInMemoryDelivers(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	for _, body := range []string{"a", "b"} {
		if err := q.Publish(ctx, Message{Type: TypeScan, Body: []byte(body)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for _, want := range []string{"a", "b"} {
		select {
		case msg := <-msgs:
			if string(msg.Body) != want {
				t.Errorf("got %q, want %q", msg.Body, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("channel delivered after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}
}

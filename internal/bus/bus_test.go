package bus

import (
	"context"
	"errors"
	"testing"
)

func TestFakeRequestReply(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	f.Subscribe("svc.ping", func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		return map[string]any{"status": "success", "echo": msg["value"]}, nil
	})

	reply, err := f.Request(ctx, "svc.ping", map[string]any{"value": "hi"}, DefaultTimeout)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply["echo"] != "hi" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestFakeRequest_NoSubscriber(t *testing.T) {
	f := NewFake()

	_, err := f.Request(context.Background(), "nobody.home", map[string]any{}, DefaultTimeout)
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("err = %v, want ErrNoReply", err)
	}
}

func TestFakeRequest_HandlerError(t *testing.T) {
	f := NewFake()

	f.Subscribe("svc.fail", func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		return nil, errors.New("validation failed: identity must not be empty")
	})

	reply, err := f.Request(context.Background(), "svc.fail", map[string]any{}, DefaultTimeout)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply["status"] != "error" {
		t.Errorf("reply status = %v, want error", reply["status"])
	}
	if reply["error"] != "validation failed: identity must not be empty" {
		t.Errorf("reply error = %v", reply["error"])
	}
}

func TestFakePublishRecords(t *testing.T) {
	f := NewFake()

	received := 0
	f.Subscribe("events", func(ctx context.Context, msg map[string]any) (map[string]any, error) {
		received++
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		if err := f.Publish("events", map[string]any{"n": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := f.Publish("other", map[string]any{}); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	if received != 3 {
		t.Errorf("handler received %d, want 3", received)
	}
	if got := f.Published("events"); len(got) != 3 {
		t.Errorf("recorded = %d, want 3", len(got))
	}
	if got := f.Published("events"); got[2]["n"] != 2 {
		t.Errorf("last recorded = %+v", got[2])
	}
	if got := f.Published("missing"); len(got) != 0 {
		t.Errorf("unknown subject recorded %d messages", len(got))
	}
}

func TestFakeClose(t *testing.T) {
	f := NewFake()
	if !f.IsConnected() {
		t.Fatal("new fake not connected")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.IsConnected() {
		t.Error("fake still connected after close")
	}
}

package publish

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEmitterDispatch(t *testing.T) {
	e := NewEmitter(testLogger())

	var got []Envelope
	e.On(domain.EventInboundReceived, func(env Envelope) {
		got = append(got, env)
	})

	if err := e.Publish(context.Background(), domain.EventInboundReceived, map[string]string{"x": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Publish(context.Background(), domain.EventDeliveryStatusUpdated, nil); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].Name != domain.EventInboundReceived || got[0].ID == "" {
		t.Errorf("envelope = %+v", got[0])
	}
}

func TestEmitterWildcardAndOff(t *testing.T) {
	e := NewEmitter(testLogger())

	count := 0
	id := e.On("*", func(Envelope) { count++ })

	e.Publish(context.Background(), "a", nil)
	e.Publish(context.Background(), "b", nil)
	e.Off("*", id)
	e.Publish(context.Background(), "c", nil)

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestEmitterHandlerPanicIsolated(t *testing.T) {
	e := NewEmitter(testLogger())
	e.On("a", func(Envelope) { panic("boom") })

	called := false
	e.On("a", func(Envelope) { called = true })

	if err := e.Publish(context.Background(), "a", nil); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("second handler not called after first panicked")
	}
}

func TestEmitterReplay(t *testing.T) {
	e := NewEmitter(testLogger())
	e.Publish(context.Background(), "a", nil)
	e.Publish(context.Background(), "b", nil)
	e.Publish(context.Background(), "a", nil)

	if n := len(e.Replay("a")); n != 2 {
		t.Errorf("replay(a) = %d events, want 2", n)
	}
	if n := len(e.Replay("*")); n != 3 {
		t.Errorf("replay(*) = %d events, want 3", n)
	}
}

func TestFactoryRefusesDisabledBrokerInProduction(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.Environment = "production"
	cfg.Broker.Enabled = false

	_, err := New(cfg, testLogger())
	if !errors.Is(err, domain.ErrBrokerDisabledInProduction) {
		t.Errorf("err = %v, want ErrBrokerDisabledInProduction", err)
	}
}

func TestFactoryEmitterOutsideProduction(t *testing.T) {
	cfg := config.Defaults()
	pub, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.(*Emitter); !ok {
		t.Errorf("expected Emitter, got %T", pub)
	}
}

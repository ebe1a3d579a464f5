package natsconn

import (
	"testing"
	"time"
)

func TestOptionsDefaults(t *testing.T) {
	t.Setenv("NATS_URL", "")
	t.Setenv("NATS_MAX_RECONNECTS", "")
	t.Setenv("NATS_RECONNECT_WAIT", "")

	o := Options{}.withDefaults()
	if o.URL != "nats://nats:4222" {
		t.Fatalf("expected default url, got %q", o.URL)
	}
	if o.MaxReconnects != 5 {
		t.Fatalf("expected 5, got %d", o.MaxReconnects)
	}
	if o.ReconnectWait != 2*time.Second {
		t.Fatalf("expected 2s, got %s", o.ReconnectWait)
	}
	if o.Logger == nil {
		t.Fatal("expected nop logger")
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("NATS_URL", "nats://127.0.0.1:4333")
	t.Setenv("NATS_MAX_RECONNECTS", "7")
	t.Setenv("NATS_RECONNECT_WAIT", "3s")

	o := Options{}.withDefaults()
	if o.URL != "nats://127.0.0.1:4333" {
		t.Fatalf("unexpected url %q", o.URL)
	}
	if o.MaxReconnects != 7 {
		t.Fatalf("expected 7, got %d", o.MaxReconnects)
	}
	if o.ReconnectWait != 3*time.Second {
		t.Fatalf("expected 3s, got %s", o.ReconnectWait)
	}
}

func TestOptionsExplicitWins(t *testing.T) {
	t.Setenv("NATS_MAX_RECONNECTS", "7")
	o := Options{MaxReconnects: 2}.withDefaults()
	if o.MaxReconnects != 2 {
		t.Fatalf("expected 2, got %d", o.MaxReconnects)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(Options{
		URL:           "nats://127.0.0.1:19999",
		Name:          "natsconn-test",
		MaxReconnects: 0,
		ReconnectWait: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error connecting to invalid NATS URL")
	}
}

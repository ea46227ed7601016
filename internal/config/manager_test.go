package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42, 99]
logging:
  level: debug
  console: true
fantasy:
  session_token: "tok"
  timeout: "20s"
watch:
  poll_interval: "45s"
  stale_threshold: 10
state:
  driver: sqlite
  path: ./state.db
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 99 {
		t.Errorf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Watch.PollInterval != "45s" || cfg.Watch.StaleThreshold != 10 {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if cfg.State.Driver != "sqlite" {
		t.Errorf("state driver = %q", cfg.State.Driver)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{"level":"info","console":true},`+
			`"fantasy":{"session_token":"s"},"watch":{},"state":{}}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fantasy.SessionToken != "s" {
		t.Errorf("session token = %q", cfg.Fantasy.SessionToken)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
  not_a_field: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	} else if !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("err = %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 30s "); err != nil || d != 30*time.Second {
		t.Errorf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Errorf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Error("invalid duration accepted")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Error("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Errorf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{"telegram":{"token":"t"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	next := &Config{}
	m.publish(next)

	select {
	case got := <-sub:
		if got != next {
			t.Error("wrong config published")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never arrived")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Error("channel not closed after Unsubscribe")
	}
}

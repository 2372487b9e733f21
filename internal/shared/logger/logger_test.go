package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liuproxy_keeper/internal/shared/types"
)

func TestEvent_Fields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	Info().Str("proxy_id", "http://1.2.3.4:80").Int("count", 3).Dur("uptime", 1500*time.Millisecond).Bool("ok", true).Msg("done")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	if entry["proxy_id"] != "http://1.2.3.4:80" || entry["count"] != float64(3) {
		t.Errorf("Unexpected string or int fields: %v", entry)
	}
	if entry["uptime"] != float64(1500) {
		t.Errorf("Expected uptime 1500 (ms), got %v", entry["uptime"])
	}
	if entry["ok"] != true {
		t.Errorf("Expected ok=true, got %v", entry["ok"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	l := WithComponent("ProxyPool/Test")
	l.Info().Msg("hello")

	var entry map[string]interface{}
	json.Unmarshal(buf.Bytes(), &entry)
	if entry["component"] != "ProxyPool/Test" {
		t.Errorf("Expected component field, got %v", entry)
	}
}

func TestInit_RejectsUnknownFormat(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	if err := Init(types.LogConf{Level: "info", Format: "xml"}); err == nil {
		t.Error("Expected an error for an unknown format")
	}
}

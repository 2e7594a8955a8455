package main

import (
	"strings"
	"testing"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		PostgresDSN: "postgres://formsync@localhost/formsync",
		RedisAddr:   "localhost:6379",
	}
}

func TestRunRejectsNonHexEncryptionKey(t *testing.T) {
	cfg := baseConfig()
	cfg.EncryptionKey = "not-hex"
	if err := run(cfg); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Fatalf("expected hex key error, got %v", err)
	}
}

func TestRunRejectsShortEncryptionKey(t *testing.T) {
	cfg := baseConfig()
	cfg.EncryptionKey = "00112233"
	if err := run(cfg); err == nil {
		t.Fatalf("expected key length error")
	}
}

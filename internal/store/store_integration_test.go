package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func integrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FORMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FORMSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	s, err := NewStore(dsn, testCipher(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreIntegrationRoundTrip(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	id := "sub_it_" + time.Now().UTC().Format("20060102150405.000000000")
	sub := &Submission{
		ID:           id,
		Type:         "industry",
		Name:         "张三",
		Phone:        "13800138000",
		Title:        "研发总监",
		Company:      "测试食品有限公司",
		IDType:       "id_card",
		IDNumber:     "310101199001010011",
		BusinessType: "食品制造商",
		Department:   "研发",
		ProofURLs:    []string{"https://oss.example.com/a.jpg", "https://oss.example.com/b.jpg"},
		TraceID:      "trace-it-1",
	}
	if err := s.Insert(ctx, sub); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	loaded, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected row for %s", id)
	}
	if loaded.Phone != sub.Phone || loaded.IDNumber != sub.IDNumber {
		t.Fatalf("sensitive fields did not round-trip: %+v", loaded)
	}
	if loaded.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", loaded.Status)
	}
	if len(loaded.ProofURLs) != 2 {
		t.Fatalf("expected proof urls, got %+v", loaded.ProofURLs)
	}

	if err := s.MarkFailed(ctx, id, strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := s.FindByID(ctx, id)
	if err != nil || failed == nil {
		t.Fatalf("reload after failure: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if len([]rune(failed.LastError)) > 2000 {
		t.Fatalf("stored error exceeds bound: %d", len(failed.LastError))
	}

	if err := s.MarkSuccess(ctx, id, "rec_it_1"); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	succeeded, err := s.FindByID(ctx, id)
	if err != nil || succeeded == nil {
		t.Fatalf("reload after success: %v", err)
	}
	if succeeded.Status != StatusSuccess || succeeded.RecordID != "rec_it_1" {
		t.Fatalf("expected SUCCESS with record id, got %+v", succeeded)
	}
	if succeeded.LastError != "" {
		t.Fatalf("success must clear last error, got %q", succeeded.LastError)
	}
}

func TestStoreIntegrationFindAbsent(t *testing.T) {
	s := integrationStore(t)
	loaded, err := s.FindByID(context.Background(), "sub_missing")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for absent row, got %+v", loaded)
	}
}

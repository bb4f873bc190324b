package codeindex_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/handlers/codeindex"
	"github.com/opsbatch/scheduler/internal/txservice"
)

type stubLogger struct{}

func (stubLogger) Info(string, ...any) {}

type stubCompLog struct {
	calls []string
}

func (s *stubCompLog) LogCompensation(_ context.Context, _ int64, actionType, payload string) (*domain.OperationLogEntry, error) {
	s.calls = append(s.calls, actionType+":"+payload)
	return &domain.OperationLogEntry{ActionType: actionType, Payload: payload}, nil
}

func TestInitJob_WritesIndexOfMatchingFiles(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.go"), "package a")
	mustWrite(t, filepath.Join(root, "b.txt"), "not go")
	mustWrite(t, filepath.Join(root, "sub", "c.go"), "package sub")

	indexPath := filepath.Join(t.TempDir(), "index.json")
	h := codeindex.New(stubLogger{}, nil, "")

	payload, _ := json.Marshal(codeindex.Payload{
		Root:       root,
		Extensions: []string{".go"},
		IndexPath:  indexPath,
	})

	if err := h.InitJob(context.Background(), payload); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var entries []codeindex.FileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 .go files indexed, got %d: %+v", len(entries), entries)
	}
}

func TestInitJob_RequiresIndexPath(t *testing.T) {
	h := codeindex.New(stubLogger{}, nil, "")
	payload, _ := json.Marshal(codeindex.Payload{Root: t.TempDir()})
	if err := h.InitJob(context.Background(), payload); err == nil {
		t.Fatal("expected error for missing indexPath")
	}
}

func TestInitJob_LogsCompensationForExistingIndex(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.go"), "package a")

	indexDir := t.TempDir()
	indexPath := filepath.Join(indexDir, "index.json")
	mustWrite(t, indexPath, `[{"path":"old","bytes":1}]`)

	compLog := &stubCompLog{}
	h := codeindex.New(stubLogger{}, compLog, "")

	ctx := txservice.WithRunID(context.Background(), 1)
	payload, _ := json.Marshal(codeindex.Payload{Root: root, IndexPath: indexPath})
	if err := h.InitJob(ctx, payload); err != nil {
		t.Fatalf("InitJob: %v", err)
	}

	if len(compLog.calls) != 1 {
		t.Fatalf("expected one compensation logged, got %d", len(compLog.calls))
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

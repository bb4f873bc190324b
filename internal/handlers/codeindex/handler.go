// Package codeindex is the sample handler: a stand-in for the kind of
// opaque, operator-registered unit of work the engine dispatches. It
// walks a directory tree and records a summary of
// what it found — just enough behavior to exercise the full dispatch
// pipeline (claim, run, complete) and the compensation log (it appends an
// undo entry for the index file it writes, so a later failure in the same
// run demonstrates replay) without pretending to be a real indexer.
package codeindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/txservice"
)

// TypeCode is the Task.TypeCode this handler answers to; also usable as
// the manifest factory name (see init below).
const TypeCode = "code.index"

// Payload is the JSON shape a code.index Task or Schedule carries.
type Payload struct {
	Root       string   `json:"root"`
	Extensions []string `json:"extensions"` // e.g. [".go", ".md"]; empty means all files
	IndexPath  string   `json:"indexPath"`  // where to write the generated index; required
}

// FileEntry is one row of the generated index.
type FileEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Logger lets the handler append a diagnostic without depending on
// log/slog's concrete type, so tests can supply a stub.
type Logger interface {
	Info(msg string, args ...any)
}

// CompensationLogger is the subset of txservice.Service the handler needs
// to append an undo entry for the index file it writes, bound through the
// run-context the engine sets up around every handler invocation (see
// txservice.RunIDFromContext).
type CompensationLogger interface {
	LogCompensation(ctx context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error)
}

// Handler implements registry.Handler, walking Payload.Root and writing a
// JSON index of matching files to Payload.IndexPath.
type Handler struct {
	logger   Logger
	compLog  CompensationLogger
	fileRoot string // fallback root when a payload omits Root
}

func New(logger Logger, compLog CompensationLogger, defaultRoot string) *Handler {
	return &Handler{logger: logger, compLog: compLog, fileRoot: defaultRoot}
}

func init() {
	registry.RegisterFactory(TypeCode, func() registry.Handler {
		return New(noopLogger{}, nil, "")
	})
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// InitJob implements registry.Handler. It walks root collecting files
// matching the configured extensions, marshals the result to IndexPath,
// and, before writing, logs a file.restore compensation entry so a later
// failure in the same run can undo the write: a restore of the prior
// contents if the file existed, a delete otherwise.
func (h *Handler) InitJob(ctx context.Context, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("code.index: bad payload: %w", err)
	}
	root := p.Root
	if root == "" {
		root = h.fileRoot
	}
	if root == "" {
		return fmt.Errorf("code.index: no root configured")
	}
	if p.IndexPath == "" {
		return fmt.Errorf("code.index: indexPath is required")
	}

	entries, err := walk(root, p.Extensions)
	if err != nil {
		return fmt.Errorf("code.index: walk %s: %w", root, err)
	}

	if err := h.logRestoreIfExists(ctx, p.IndexPath); err != nil {
		return err
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("code.index: marshal index: %w", err)
	}
	if err := os.WriteFile(p.IndexPath, out, 0o644); err != nil {
		return fmt.Errorf("code.index: write index: %w", err)
	}

	h.logger.Info("code.index completed", "root", root, "files", len(entries), "index_path", p.IndexPath)
	return nil
}

// logRestoreIfExists appends a file.restore compensation entry carrying
// the previous contents of path (base64-encoded) before this handler
// overwrites it, so a failure later in the same run can restore the
// prior state. A path that doesn't exist yet logs a delete-on-compensate
// entry instead (origBase64 omitted), which the file.restore compensator
// treats as delete-if-exists.
func (h *Handler) logRestoreIfExists(ctx context.Context, path string) error {
	if h.compLog == nil {
		return nil
	}
	runID, ok := txservice.RunIDFromContext(ctx)
	if !ok {
		return nil
	}

	payload := map[string]any{"file": filepath.Base(path)}
	prior, err := os.ReadFile(path)
	switch {
	case err == nil:
		payload["root"] = filepath.Dir(path)
		payload["origBase64"] = base64.StdEncoding.EncodeToString(prior)
	case os.IsNotExist(err):
		payload["root"] = filepath.Dir(path)
	default:
		return fmt.Errorf("code.index: read prior index: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("code.index: marshal compensation payload: %w", err)
	}
	_, err = h.compLog.LogCompensation(ctx, runID, "file.restore", string(payloadJSON))
	return err
}

func walk(root string, extensions []string) ([]FileEntry, error) {
	want := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		want[strings.ToLower(ext)] = true
	}

	var entries []FileEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(want) > 0 && !want[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, FileEntry{Path: path, Bytes: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

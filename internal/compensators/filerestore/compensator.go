// Package filerestore is the sample compensator: it undoes a prior file
// write (or creation) by either restoring the file's previous contents or
// deleting it, keyed on the action-type "file.restore" logged by a
// handler like internal/handlers/codeindex during execution.
package filerestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ActionType is the compensation log action_type this compensator answers
// to.
const ActionType = "file.restore"

// maxOrigBase64Len bounds the base64-encoded payload at 200 KiB. A
// handler is expected to log compensations for small config/text files,
// not arbitrary blobs.
const maxOrigBase64Len = 200 * 1024

// Payload is the action_payload JSON shape logged against ActionType.
type Payload struct {
	Root       string `json:"root"`
	File       string `json:"file"`
	OrigBase64 string `json:"origBase64"`
}

// Compensator restores or deletes a file under a sandboxed root,
// implementing registry.Compensator.
type Compensator struct {
	defaultRoot string
}

func New(defaultRoot string) *Compensator {
	return &Compensator{defaultRoot: defaultRoot}
}

// Compensate implements registry.Compensator. It returns (true, nil) on a
// successful restore/delete, and a non-nil error for a malformed payload,
// an oversized OrigBase64, or a File that resolves outside Root — all of
// which the replay engine records as a FAILED compensation entry rather
// than retrying, since none of these are transient.
func (c *Compensator) Compensate(_ context.Context, _ int64, raw json.RawMessage) (bool, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, fmt.Errorf("file.restore: bad payload: %w", err)
	}
	if p.File == "" {
		return false, fmt.Errorf("file.restore: payload missing required field \"file\"")
	}
	if len(p.OrigBase64) > maxOrigBase64Len {
		return false, fmt.Errorf("file.restore: origBase64 exceeds %d bytes", maxOrigBase64Len)
	}

	root := p.Root
	if root == "" {
		root = c.defaultRoot
	}
	if root == "" {
		return false, fmt.Errorf("file.restore: no root configured")
	}

	target, err := resolveInside(root, p.File)
	if err != nil {
		return false, err
	}

	if p.OrigBase64 == "" {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("file.restore: delete %s: %w", target, err)
		}
		return true, nil
	}

	data, err := base64.StdEncoding.DecodeString(p.OrigBase64)
	if err != nil {
		return false, fmt.Errorf("file.restore: invalid origBase64: %w", err)
	}
	if err := atomicWrite(target, data); err != nil {
		return false, fmt.Errorf("file.restore: write %s: %w", target, err)
	}
	return true, nil
}

// resolveInside joins root and file, then rejects any result that escapes
// root (or is root itself) after lexical normalization, which catches ".."
// traversal. An absolute file is joined under root rather than rejected.
// The check is purely lexical: symlinks are not resolved.
func resolveInside(root, file string) (string, error) {
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("file.restore: resolve root: %w", err)
	}
	joined := filepath.Join(cleanRoot, file)
	target, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("file.restore: resolve target: %w", err)
	}

	rel, err := filepath.Rel(cleanRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("file.restore: path traversal: %q escapes root %q", file, root)
	}
	if rel == "." {
		return "", fmt.Errorf("file.restore: path traversal: %q resolves to root itself", file)
	}
	return target, nil
}

// atomicWrite writes data to a sibling temp file, then renames it over
// target. Rename is atomic on the same filesystem; if the filesystem or
// OS rejects the rename (e.g. cross-device), it falls back to a direct,
// non-atomic write.
func atomicWrite(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".restore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		// Non-atomic fallback: some filesystems (or sandboxes) reject
		// rename across the boundary it was created in.
		if writeErr := os.WriteFile(target, data, 0o644); writeErr != nil {
			return fmt.Errorf("atomic rename failed (%v), fallback write also failed: %w", err, writeErr)
		}
	}
	return nil
}

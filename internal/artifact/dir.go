package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore keeps blobs in a local directory, keyed by content hash. Writing
// the same content twice is a no-op that returns the same reference.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Put writes content to <root>/<sha[:2]>/<sha> and returns a bare artifact
// key "artifacts/<sha256>".
func (s *DirStore) Put(ctx context.Context, content []byte, contentType string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.root, sha[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("artifact: create shard dir: %w", err)
	}

	path := filepath.Join(dir, sha)
	if _, err := os.Stat(path); err != nil {
		// Write through a temp file so a crash never leaves a truncated blob
		// under its final name.
		tmp, err := os.CreateTemp(dir, sha+".tmp-*")
		if err != nil {
			return Ref{}, fmt.Errorf("artifact: create temp: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(content); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return Ref{}, fmt.Errorf("artifact: write blob: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return Ref{}, fmt.Errorf("artifact: close blob: %w", err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			_ = os.Remove(tmpName)
			return Ref{}, fmt.Errorf("artifact: finalize blob: %w", err)
		}
	}

	return Ref{
		URI:         "artifacts/" + sha,
		SHA256:      sha,
		Size:        int64(len(content)),
		ContentType: contentType,
	}, nil
}

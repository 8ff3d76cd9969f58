// Package artifact stores evidence blobs and hands back stable references.
//
// The gateway treats blob storage as external: evidence_upload computes the
// content hash, delegates the bytes to a Store, and returns whatever key the
// store minted. Backends beyond the local directory one (S3, MinIO) live
// outside this repository.
package artifact

import "context"

// Ref identifies a stored blob. URI is either a bare artifact key (no
// scheme) or a memory://attachments/<id>/<sha256> URI; both shapes pass the
// strict evidence validator.
type Ref struct {
	URI         string `json:"uri"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Store persists evidence content.
type Store interface {
	// Put writes content and returns its reference. Storing the same bytes
	// twice is allowed and returns equivalent references.
	Put(ctx context.Context, content []byte, contentType string) (Ref, error)
}

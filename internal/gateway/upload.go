package gateway

import (
	"context"

	"github.com/engramhq/engram/internal/artifact"
	"github.com/engramhq/engram/internal/redact"
)

// UploadRequest is the evidence_upload argument set. Content and ContentType
// are required.
type UploadRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	ActorUserID string `json:"actor_user_id,omitempty"`
	ProjectKey  string `json:"project_key,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
}

// UploadResponse is the evidence_upload result. Failures come back as
// ok=false business responses, never as protocol errors.
type UploadResponse struct {
	OK            bool          `json:"ok"`
	Evidence      *artifact.Ref `json:"evidence,omitempty"`
	Message       string        `json:"message,omitempty"`
	CorrelationID string        `json:"correlation_id"`
}

// EvidenceUpload stores the content in the artifact store and returns the
// reference a later memory_store can cite.
func (h *Handlers) EvidenceUpload(ctx context.Context, correlationID string, req UploadRequest) UploadResponse {
	if req.Content == "" || req.ContentType == "" {
		return UploadResponse{
			OK:            false,
			Message:       "content and content_type are required",
			CorrelationID: correlationID,
		}
	}
	if h.c.Artifacts == nil {
		return UploadResponse{
			OK:            false,
			Message:       "artifact store is not configured",
			CorrelationID: correlationID,
		}
	}

	ref, err := h.c.Artifacts.Put(ctx, []byte(req.Content), req.ContentType)
	if err != nil {
		h.c.Logger.Error("evidence upload failed",
			"correlation_id", correlationID,
			"error", redact.Error(err))
		return UploadResponse{
			OK:            false,
			Message:       "artifact store failed: " + redact.Error(err),
			CorrelationID: correlationID,
		}
	}

	return UploadResponse{
		OK:            true,
		Evidence:      &ref,
		CorrelationID: correlationID,
	}
}

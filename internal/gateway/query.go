package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
	"github.com/engramhq/engram/internal/redact"
)

// QueryRequest is the memory_query argument set.
type QueryRequest struct {
	Query   string         `json:"query"`
	TopK    int            `json:"top_k,omitempty"`
	Spaces  []string       `json:"spaces,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

// QueryResult is one search hit, from either OpenMemory or the logbook
// fallback. The two sources populate different subsets of the fields.
type QueryResult struct {
	ID           string           `json:"id"`
	Content      string           `json:"content"`
	Title        string           `json:"title,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Score        float64          `json:"score,omitempty"`
	Confidence   float64          `json:"confidence,omitempty"`
	Space        string           `json:"space,omitempty"`
	EvidenceRefs []map[string]any `json:"evidence_refs,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	CreatedAt    string           `json:"created_at,omitempty"`
	Source       string           `json:"source"`
}

// QueryResponse is the memory_query result.
type QueryResponse struct {
	OK             bool          `json:"ok"`
	Results        []QueryResult `json:"results"`
	Total          int           `json:"total"`
	SpacesSearched []string      `json:"spaces_searched"`
	Message        string        `json:"message,omitempty"`
	Degraded       bool          `json:"degraded"`
	CorrelationID  string        `json:"correlation_id"`
}

// MemoryQuery searches OpenMemory and degrades to a keyword scan over
// logbook knowledge candidates when the provider fails. A panic anywhere in
// the handler is converted to an internal-error response so the caller
// always gets an envelope with the correlation id.
func (h *Handlers) MemoryQuery(ctx context.Context, correlationID string, req QueryRequest) (resp QueryResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.c.Logger.Error("memory_query panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprint(r))
			resp = QueryResponse{
				OK:            false,
				Results:       []QueryResult{},
				Degraded:      true,
				Message:       "内部错误: " + redact.String(fmt.Sprint(r)),
				CorrelationID: correlationID,
			}
		}
	}()

	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	spaces := req.Spaces
	if len(spaces) == 0 {
		spaces = []string{h.c.Config.DefaultTeamSpace}
	}

	filters := make(map[string]any, len(req.Filters)+1)
	for k, v := range req.Filters {
		filters[k] = v
	}
	filters["spaces"] = spaces

	result, searchErr := h.c.Memory.Search(ctx, openmemory.SearchRequest{
		Query:   req.Query,
		Limit:   topK,
		Filters: filters,
	})
	if searchErr == nil {
		results := make([]QueryResult, 0, len(result.Results))
		for _, r := range result.Results {
			results = append(results, QueryResult{
				ID:        r.ID,
				Content:   r.Content,
				Score:     r.Score,
				Space:     r.Space,
				Metadata:  r.Metadata,
				CreatedAt: r.CreatedAt,
				Source:    "openmemory",
			})
		}
		return QueryResponse{
			OK:             true,
			Results:        results,
			Total:          len(results),
			SpacesSearched: spaces,
			Degraded:       false,
			CorrelationID:  correlationID,
		}
	}

	// Degraded mode: OpenMemory is unreachable or unhappy. Knowledge
	// candidates are the audit-backed subset of what it would have
	// returned; better a narrower answer than none.
	h.c.Logger.Warn("openmemory search failed, falling back to logbook",
		"correlation_id", correlationID,
		"error", redact.Error(searchErr))

	requireEvidence, _ := req.Filters["evidence"].(bool)
	candidates, fbErr := h.c.Logbook.QueryKnowledgeCandidates(ctx, logbook.CandidateQuery{
		Keyword:         req.Query,
		TopK:            topK,
		SpaceFilter:     spaces[0],
		RequireEvidence: requireEvidence,
	})
	if fbErr != nil {
		return QueryResponse{
			OK:             false,
			Results:        []QueryResult{},
			SpacesSearched: spaces,
			Degraded:       true,
			Message: "openmemory search failed: " + redact.Error(searchErr) +
				"; logbook fallback failed: " + redact.Error(fbErr),
			CorrelationID: correlationID,
		}
	}

	results := make([]QueryResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, QueryResult{
			ID:           "kc_" + strconv.FormatInt(c.CandidateID, 10),
			Content:      c.ContentMD,
			Title:        c.Title,
			Kind:         c.Kind,
			Confidence:   c.Confidence,
			Space:        c.Space,
			EvidenceRefs: c.EvidenceRefs,
			CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
			Source:       "logbook_fallback",
		})
	}
	return QueryResponse{
		OK:             true,
		Results:        results,
		Total:          len(results),
		SpacesSearched: spaces,
		Degraded:       true,
		Message:        "openmemory search failed, served from logbook: " + redact.Error(searchErr),
		CorrelationID:  correlationID,
	}
}

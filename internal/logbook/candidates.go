package logbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Candidate is a knowledge-candidate row, the degraded-mode search target.
// The gateway only reads these; the curation pipeline that writes them lives
// elsewhere.
type Candidate struct {
	CandidateID  int64
	Title        string
	ContentMD    string
	Kind         string
	Confidence   float64
	Space        string
	EvidenceRefs []map[string]any
	CreatedAt    time.Time
}

// CandidateQuery narrows a keyword scan over knowledge candidates.
type CandidateQuery struct {
	Keyword         string
	TopK            int
	SpaceFilter     string // exact match when non-empty
	RequireEvidence bool   // only candidates carrying at least one evidence ref
}

// QueryKnowledgeCandidates runs a case-insensitive keyword scan over titles
// and bodies, best candidates first. This is the fallback when OpenMemory is
// unreachable; it trades recall for availability.
func (db *DB) QueryKnowledgeCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	if q.TopK <= 0 {
		q.TopK = 10
	}

	query := `SELECT candidate_id, title, content_md, kind, confidence, space, evidence_refs_json, created_at
	          FROM knowledge_candidates
	          WHERE (content_md ILIKE '%' || $1 || '%' OR title ILIKE '%' || $1 || '%')`
	args := []any{q.Keyword}
	if q.SpaceFilter != "" {
		args = append(args, q.SpaceFilter)
		query += fmt.Sprintf(` AND space = $%d`, len(args))
	}
	if q.RequireEvidence {
		query += ` AND jsonb_array_length(evidence_refs_json) > 0`
	}
	args = append(args, q.TopK)
	query += fmt.Sprintf(` ORDER BY confidence DESC, created_at DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logbook: query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c        Candidate
			refsJSON []byte
		)
		if err := rows.Scan(&c.CandidateID, &c.Title, &c.ContentMD, &c.Kind, &c.Confidence,
			&c.Space, &refsJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("logbook: scan candidate: %w", err)
		}
		if len(refsJSON) > 0 {
			if err := json.Unmarshal(refsJSON, &c.EvidenceRefs); err != nil {
				return nil, fmt.Errorf("logbook: decode candidate evidence: %w", err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logbook: candidate rows: %w", err)
	}
	return out, nil
}

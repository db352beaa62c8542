package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/store"
)

// maintenanceScope is the principal the sweeps run under; the visibility
// policy admits it to every row.
const maintenanceScope = "system"

// DeleteExpired drops rows matching the eviction predicate.
func (d *Driver) DeleteExpired(ctx context.Context) (int, error) {
	var n int
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
DELETE FROM fragments
WHERE importance < 0.1
  AND ttl_tier <> 'permanent'
  AND NOT is_anchor
  AND COALESCE(accessed_at, created_at) < NOW() - INTERVAL '90 days'
  AND cardinality(linked_to) < 2`)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired: %w", err)
	}
	return n, nil
}

// DecayImportance applies the 0.995 multiplier under the eligibility mask.
func (d *Driver) DecayImportance(ctx context.Context) (int, error) {
	var n int
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE fragments
SET importance = importance * 0.995
WHERE ttl_tier <> 'permanent'
  AND type <> 'preference'
  AND NOT is_anchor
  AND COALESCE(accessed_at, created_at) < NOW() - INTERVAL '1 day'`)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to decay importance: %w", err)
	}
	return n, nil
}

// TransitionTTL runs the promotion rules then the demotion rule.
func (d *Driver) TransitionTTL(ctx context.Context) (int, error) {
	var n int
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		promoted, err := tx.Exec(ctx, `
UPDATE fragments
SET ttl_tier = 'permanent'
WHERE ttl_tier <> 'permanent'
  AND (type = 'preference' OR cardinality(linked_to) >= 5 OR importance >= 0.8)`)
		if err != nil {
			return err
		}

		demoted, err := tx.Exec(ctx, `
UPDATE fragments
SET ttl_tier = 'cold'
WHERE ttl_tier = 'warm'
  AND NOT is_anchor
  AND (importance < 0.3 OR COALESCE(accessed_at, created_at) < NOW() - INTERVAL '30 days')`)
		if err != nil {
			return err
		}

		n = int(promoted.RowsAffected() + demoted.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to transition ttl: %w", err)
	}
	return n, nil
}

// MissingEmbeddings returns the top-n NULL-embedding rows by importance.
func (d *Driver) MissingEmbeddings(ctx context.Context, n int) ([]*fragment.Fragment, error) {
	var out []*fragment.Fragment
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT "+fragmentColumns+` FROM fragments
WHERE embedding IS NULL
ORDER BY importance DESC
LIMIT $1`, n)
		if err != nil {
			return err
		}
		out, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list missing embeddings: %w", err)
	}
	return out, nil
}

// SetEmbedding writes the embedding for a row.
func (d *Driver) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	return d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE fragments SET embedding = $2 WHERE id = $1",
			id, pgvector.NewVector(vec))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.NotFoundError{ID: id}
		}
		return nil
	})
}

// DuplicateGroups returns groups sharing a content hash within a scope,
// each ordered by created_at ascending.
//
// The unique (agent_id, content_hash) constraint makes live duplicates
// rare; groups arise when amendments collide historically.
func (d *Driver) DuplicateGroups(ctx context.Context) ([][]*fragment.Fragment, error) {
	var flat []*fragment.Fragment
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, "SELECT "+fragmentColumns+` FROM fragments
WHERE (agent_id, content_hash) IN (
  SELECT agent_id, content_hash FROM fragments
  GROUP BY agent_id, content_hash
  HAVING COUNT(*) > 1
)
ORDER BY agent_id, content_hash, created_at`)
		if err != nil {
			return err
		}
		flat, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicates: %w", err)
	}

	var out [][]*fragment.Fragment
	var current []*fragment.Fragment
	for _, f := range flat {
		if len(current) > 0 &&
			(current[0].AgentID != f.AgentID || current[0].ContentHash != f.ContentHash) {
			out = append(out, current)
			current = nil
		}
		current = append(current, f)
	}
	if len(current) > 1 {
		out = append(out, current)
	}
	return out, nil
}

// MergeFragments rewrites edges and linked_to references from the losers
// to the survivor, accrues access counts, and deletes the losers.
func (d *Driver) MergeFragments(ctx context.Context, survivorID string, loserIDs []string) error {
	if len(loserIDs) == 0 {
		return nil
	}

	return d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM fragments WHERE id = $1)", survivorID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.NotFoundError{ID: survivorID}
		}

		// Re-point edges at the survivor, dropping self-loops and pairs
		// that already exist.
		if _, err := tx.Exec(ctx, `
INSERT INTO fragment_links (from_id, to_id, relation_type, created_at)
SELECT $1, to_id, relation_type, created_at
FROM fragment_links
WHERE from_id = ANY($2) AND to_id <> $1 AND NOT (to_id = ANY($2))
ON CONFLICT (from_id, to_id) DO NOTHING`, survivorID, loserIDs); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO fragment_links (from_id, to_id, relation_type, created_at)
SELECT from_id, $1, relation_type, created_at
FROM fragment_links
WHERE to_id = ANY($2) AND from_id <> $1 AND NOT (from_id = ANY($2))
ON CONFLICT (from_id, to_id) DO NOTHING`, survivorID, loserIDs); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE fragments
SET access_count = access_count + (
  SELECT COALESCE(SUM(access_count), 0) FROM fragments WHERE id = ANY($2)
)
WHERE id = $1`, survivorID, loserIDs); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE fragments
SET linked_to = (
  SELECT COALESCE(array_agg(DISTINCT el), '{}')
  FROM (
    SELECT CASE WHEN x = ANY($2::text[]) THEN $1::text ELSE x END AS el
    FROM unnest(linked_to) AS x
  ) sub
  WHERE el <> fragments.id
)
WHERE linked_to && $2::text[]`, survivorID, loserIDs); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, "DELETE FROM fragments WHERE id = ANY($1)", loserIDs)
		return err
	})
}

// RecomputeUtility rewrites utility_score from the log formula.
func (d *Driver) RecomputeUtility(ctx context.Context) (int, error) {
	var n int
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE fragments
SET utility_score = importance * (1 + ln(GREATEST(access_count, 1)))`)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recompute utility: %w", err)
	}
	return n, nil
}

// PromoteAnchors marks heavily used, high-importance rows as anchors.
func (d *Driver) PromoteAnchors(ctx context.Context, minAccess int, minImportance float64) (int, error) {
	var n int
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE fragments
SET is_anchor = true
WHERE NOT is_anchor AND access_count >= $1 AND importance >= $2`,
			minAccess, minImportance)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote anchors: %w", err)
	}
	return n, nil
}

// ContradictionCandidates pairs rows created since the watermark with
// same-topic peers above the similarity floor.
func (d *Driver) ContradictionCandidates(ctx context.Context, since time.Time, minSim float64) ([]*store.CandidatePair, error) {
	var out []*store.CandidatePair
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT `+prefixColumns("n")+`, `+prefixColumns("o")+`,
       1 - (n.embedding <=> o.embedding) AS similarity
FROM fragments n
JOIN fragments o
  ON o.topic = n.topic
 AND o.agent_id = n.agent_id
 AND o.id <> n.id
 AND o.created_at < n.created_at
WHERE n.created_at > $1
  AND n.embedding IS NOT NULL
  AND o.embedding IS NOT NULL
  AND 1 - (n.embedding <=> o.embedding) > $2
ORDER BY similarity DESC`, since, minSim)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			pair, err := scanCandidatePair(rows)
			if err != nil {
				return err
			}
			out = append(out, pair)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list contradiction candidates: %w", err)
	}
	return out, nil
}

func scanCandidatePair(rows pgx.Rows) (*store.CandidatePair, error) {
	var (
		newer, older           fragment.Fragment
		nAccessed, nVerified   *time.Time
		oAccessed, oVerified   *time.Time
		nEmbedding, oEmbedding *pgvector.Vector
		sim                    float64
	)
	if err := rows.Scan(
		&newer.ID, &newer.Content, &newer.Topic, &newer.Keywords, &newer.Type,
		&newer.Importance, &newer.ContentHash, &newer.Source, &newer.LinkedTo,
		&newer.AgentID, &newer.AccessCount, &nAccessed, &newer.CreatedAt,
		&newer.TTLTier, &newer.EstimatedTokens, &newer.UtilityScore, &nVerified,
		&nEmbedding, &newer.IsAnchor,
		&older.ID, &older.Content, &older.Topic, &older.Keywords, &older.Type,
		&older.Importance, &older.ContentHash, &older.Source, &older.LinkedTo,
		&older.AgentID, &older.AccessCount, &oAccessed, &older.CreatedAt,
		&older.TTLTier, &older.EstimatedTokens, &older.UtilityScore, &oVerified,
		&oEmbedding, &older.IsAnchor,
		&sim,
	); err != nil {
		return nil, err
	}
	if nAccessed != nil {
		newer.AccessedAt = *nAccessed
	}
	if nVerified != nil {
		newer.VerifiedAt = *nVerified
	}
	if nEmbedding != nil {
		newer.Embedding = nEmbedding.Slice()
	}
	if oAccessed != nil {
		older.AccessedAt = *oAccessed
	}
	if oVerified != nil {
		older.VerifiedAt = *oVerified
	}
	if oEmbedding != nil {
		older.Embedding = oEmbedding.Slice()
	}
	return &store.CandidatePair{Newer: &newer, Older: &older, Similarity: sim}, nil
}

// StaleCandidates returns rows ordered by days since verification.
func (d *Driver) StaleCandidates(ctx context.Context, limit int) ([]*fragment.Fragment, error) {
	var out []*fragment.Fragment
	err := d.withScope(ctx, maintenanceScope, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, "SELECT "+fragmentColumns+` FROM fragments
ORDER BY COALESCE(verified_at, created_at) ASC
LIMIT $1`, limit)
		if err != nil {
			return err
		}
		out, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale candidates: %w", err)
	}
	return out, nil
}

// FeedbackSince returns feedback rows created after the watermark.
func (d *Driver) FeedbackSince(ctx context.Context, since time.Time) (*store.Feedback, error) {
	out := &store.Feedback{}

	rows, err := d.pool.Query(ctx, `
SELECT tool_name, relevant, sufficient, COALESCE(suggestion, ''), COALESCE(context, ''),
       COALESCE(session_id, ''), COALESCE(trigger_type, ''), created_at
FROM tool_feedback WHERE created_at > $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool feedback: %w", err)
	}
	for rows.Next() {
		var fb fragment.ToolFeedback
		if err := rows.Scan(&fb.ToolName, &fb.Relevant, &fb.Sufficient,
			&fb.Suggestion, &fb.Context, &fb.SessionID, &fb.TriggerType, &fb.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out.Tools = append(out.Tools, &fb)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = d.pool.Query(ctx, `
SELECT session_id, overall_success, tool_highlights, tool_pain_points, created_at
FROM task_feedback WHERE created_at > $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list task feedback: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fb fragment.TaskFeedback
		if err := rows.Scan(&fb.SessionID, &fb.OverallSuccess,
			&fb.ToolHighlights, &fb.ToolPainPoints, &fb.CreatedAt); err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, &fb)
	}
	return out, rows.Err()
}

// GetWatermark reads a named maintenance watermark.
func (d *Driver) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := d.pool.QueryRow(ctx,
		"SELECT at FROM maintenance_state WHERE name = $1", name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return t, nil
}

// SetWatermark records a named maintenance watermark.
func (d *Driver) SetWatermark(ctx context.Context, name string, t time.Time) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO maintenance_state (name, at) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET at = EXCLUDED.at`, name, t)
	if err != nil {
		return fmt.Errorf("failed to record watermark: %w", err)
	}
	return nil
}

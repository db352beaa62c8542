package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/store"
)

// fragmentColumnNames lists the fragment columns in scan order. Both column
// lists below derive from it so the SELECT expressions and scanFragment's
// targets cannot drift apart.
var fragmentColumnNames = []string{
	"id", "content", "topic", "keywords", "type", "importance", "content_hash",
	"source", "linked_to", "agent_id", "access_count", "accessed_at", "created_at",
	"ttl_tier", "estimated_tokens", "utility_score", "verified_at", "embedding", "is_anchor",
}

var fragmentColumns = columnList("")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFragment(row rowScanner) (*fragment.Fragment, error) {
	var (
		f          fragment.Fragment
		accessedAt *time.Time
		verifiedAt *time.Time
		embedding  *pgvector.Vector
	)
	err := row.Scan(
		&f.ID, &f.Content, &f.Topic, &f.Keywords, &f.Type, &f.Importance,
		&f.ContentHash, &f.Source, &f.LinkedTo, &f.AgentID, &f.AccessCount,
		&accessedAt, &f.CreatedAt, &f.TTLTier, &f.EstimatedTokens,
		&f.UtilityScore, &verifiedAt, &embedding, &f.IsAnchor,
	)
	if err != nil {
		return nil, err
	}
	if accessedAt != nil {
		f.AccessedAt = *accessedAt
	}
	if verifiedAt != nil {
		f.VerifiedAt = *verifiedAt
	}
	if embedding != nil {
		f.Embedding = embedding.Slice()
	}
	return &f, nil
}

func collectFragments(rows pgx.Rows) ([]*fragment.Fragment, error) {
	defer rows.Close()
	var out []*fragment.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullableVector(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

func nullableTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Insert stores a fragment, deduplicating on (agent_id, content_hash). A
// collision returns the existing id and bumps its importance.
func (d *Driver) Insert(ctx context.Context, f *fragment.Fragment) (*store.InsertResult, error) {
	if f == nil {
		return nil, errors.New("cannot store nil fragment")
	}

	var result store.InsertResult
	err := d.withScope(ctx, f.AgentID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO fragments (
  id, content, topic, keywords, type, importance, content_hash, source,
  linked_to, agent_id, access_count, accessed_at, created_at, ttl_tier,
  estimated_tokens, utility_score, verified_at, embedding, is_anchor
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (agent_id, content_hash)
DO UPDATE SET importance = GREATEST(fragments.importance, EXCLUDED.importance)
RETURNING id, (xmax = 0) AS created, importance`,
			f.ID, f.Content, f.Topic, f.Keywords, f.Type, f.Importance,
			f.ContentHash, nullableString(f.Source), f.LinkedTo, f.AgentID,
			f.AccessCount, nullableTime(f.AccessedAt), f.CreatedAt, f.TTLTier,
			f.EstimatedTokens, f.UtilityScore, nullableTime(f.VerifiedAt),
			nullableVector(f.Embedding), f.IsAnchor,
		).Scan(&result.ID, &result.Created, &result.Importance)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert fragment: %w", err)
	}
	return &result, nil
}

// GetByID retrieves a fragment under the caller's scope.
func (d *Driver) GetByID(ctx context.Context, id, agentID string) (*fragment.Fragment, error) {
	var f *fragment.Fragment
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		var err error
		f, err = scanFragment(tx.QueryRow(ctx,
			"SELECT "+fragmentColumns+" FROM fragments WHERE id = $1", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFoundError{ID: id}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetByIDs retrieves several fragments, silently skipping misses.
func (d *Driver) GetByIDs(ctx context.Context, ids []string, agentID string) ([]*fragment.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var out []*fragment.Fragment
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT "+fragmentColumns+" FROM fragments WHERE id = ANY($1)", ids)
		if err != nil {
			return err
		}
		out, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get fragments: %w", err)
	}
	return out, nil
}

// notSupersededClause excludes rows that are the source of a superseded_by
// edge.
const notSupersededClause = `NOT EXISTS (
  SELECT 1 FROM fragment_links l
  WHERE l.from_id = f.id AND l.relation_type = 'superseded_by'
)`

// SearchByKeywords runs the L2 array-overlap query.
func (d *Driver) SearchByKeywords(ctx context.Context, agentID string, q store.KeywordQuery) ([]*fragment.Fragment, error) {
	query := "SELECT " + fragmentColumns + " FROM fragments f WHERE " + notSupersededClause
	args := []any{}

	if len(q.Keywords) > 0 {
		args = append(args, q.Keywords)
		query += fmt.Sprintf(" AND f.keywords && $%d", len(args))
	}
	if q.Topic != "" {
		args = append(args, q.Topic)
		query += fmt.Sprintf(" AND f.topic = $%d", len(args))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(" AND f.type = $%d", len(args))
	}
	if q.MinImportance > 0 {
		args = append(args, q.MinImportance)
		query += fmt.Sprintf(" AND f.importance >= $%d", len(args))
	}

	query += " ORDER BY f.importance DESC, f.created_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*fragment.Fragment
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search by keywords: %w", err)
	}
	return out, nil
}

// SearchBySemantic runs the L3 cosine search via the HNSW index.
func (d *Driver) SearchBySemantic(ctx context.Context, agentID string, queryVec []float32, limit int, minSim float64) ([]*store.SemanticMatch, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}

	var out []*store.SemanticMatch
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT `+fragmentColumns+`, 1 - (f.embedding <=> $1) AS similarity
FROM fragments f
WHERE f.embedding IS NOT NULL
  AND `+notSupersededClause+`
  AND 1 - (f.embedding <=> $1) >= $2
ORDER BY f.embedding <=> $1
LIMIT $3`, pgvector.NewVector(queryVec), minSim, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f          fragment.Fragment
				accessedAt *time.Time
				verifiedAt *time.Time
				embedding  *pgvector.Vector
				sim        float64
			)
			if err := rows.Scan(
				&f.ID, &f.Content, &f.Topic, &f.Keywords, &f.Type, &f.Importance,
				&f.ContentHash, &f.Source, &f.LinkedTo, &f.AgentID, &f.AccessCount,
				&accessedAt, &f.CreatedAt, &f.TTLTier, &f.EstimatedTokens,
				&f.UtilityScore, &verifiedAt, &embedding, &f.IsAnchor, &sim,
			); err != nil {
				return err
			}
			if accessedAt != nil {
				f.AccessedAt = *accessedAt
			}
			if verifiedAt != nil {
				f.VerifiedAt = *verifiedAt
			}
			if embedding != nil {
				f.Embedding = embedding.Slice()
			}
			out = append(out, &store.SemanticMatch{Fragment: &f, Similarity: sim})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search by semantic: %w", err)
	}
	return out, nil
}

// ListByTopic returns every fragment under the topic in the scope.
func (d *Driver) ListByTopic(ctx context.Context, topic, agentID string) ([]*fragment.Fragment, error) {
	var out []*fragment.Fragment
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT "+fragmentColumns+" FROM fragments WHERE topic = $1 ORDER BY created_at", topic)
		if err != nil {
			return err
		}
		out, err = collectFragments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list by topic: %w", err)
	}
	return out, nil
}

// IncrementAccess bumps access counters for the ids in one statement.
func (d *Driver) IncrementAccess(ctx context.Context, ids []string, agentID string) error {
	if len(ids) == 0 {
		return nil
	}
	return d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
UPDATE fragments
SET access_count = access_count + 1, accessed_at = NOW()
WHERE id = ANY($1)`, ids)
		return err
	})
}

// Update archives the current row into the version table and applies the
// patch.
func (d *Driver) Update(ctx context.Context, id string, patch store.UpdatePatch, agentID string) (*store.UpdateResult, error) {
	var result store.UpdateResult
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		current, err := scanFragment(tx.QueryRow(ctx,
			"SELECT "+fragmentColumns+" FROM fragments WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFoundError{ID: id}
		}
		if err != nil {
			return err
		}

		// Check for a merge collision before touching anything.
		if patch.Content != nil && *patch.Content != current.Content {
			newHash := fragment.HashContent(*patch.Content)
			var existingID string
			err := tx.QueryRow(ctx, `
SELECT id FROM fragments
WHERE agent_id = $1 AND content_hash = $2 AND id <> $3`,
				current.AgentID, newHash, id).Scan(&existingID)
			if err == nil {
				result = store.UpdateResult{Merged: true, ExistingID: existingID}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO fragment_versions (fragment_id, content, topic, keywords, type, importance, amended_by)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			current.ID, current.Content, current.Topic, current.Keywords,
			current.Type, current.Importance, agentID,
		); err != nil {
			return fmt.Errorf("failed to archive version: %w", err)
		}

		sets := []string{"verified_at = NOW()", "accessed_at = NOW()"}
		args := []any{id}
		add := func(expr string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf(expr, len(args)))
		}

		if patch.Content != nil && *patch.Content != current.Content {
			add("content = $%d", *patch.Content)
			add("content_hash = $%d", fragment.HashContent(*patch.Content))
			sets = append(sets, "embedding = NULL")
		}
		if patch.Topic != nil {
			add("topic = $%d", *patch.Topic)
		}
		if patch.Keywords != nil {
			add("keywords = $%d", patch.Keywords)
		}
		if patch.Type != nil {
			add("type = $%d", *patch.Type)
		}
		if patch.Importance != nil {
			add("importance = $%d", *patch.Importance)
		}
		if patch.IsAnchor != nil {
			add("is_anchor = $%d", *patch.IsAnchor)
		}
		if patch.TTLTier != nil {
			add("ttl_tier = $%d", *patch.TTLTier)
		}

		updated, err := scanFragment(tx.QueryRow(ctx,
			"UPDATE fragments SET "+strings.Join(sets, ", ")+
				" WHERE id = $1 RETURNING "+fragmentColumns, args...))
		if err != nil {
			return err
		}
		result = store.UpdateResult{Fragment: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes the fragment. Edges cascade; linked_to mirrors are pruned
// in the same transaction.
func (d *Driver) Delete(ctx context.Context, id, agentID string) error {
	return d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
UPDATE fragments SET linked_to = array_remove(linked_to, $1)
WHERE linked_to @> ARRAY[$1]`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, "DELETE FROM fragments WHERE id = $1", id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.NotFoundError{ID: id}
		}
		return nil
	})
}

// CreateLink upserts the edge and maintains both linked_to mirrors.
func (d *Driver) CreateLink(ctx context.Context, fromID, toID string, rel fragment.RelationType, agentID string) error {
	if !rel.Valid() {
		return errors.New("invalid relation type: " + string(rel))
	}

	return d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO fragment_links (from_id, to_id, relation_type)
VALUES ($1, $2, $3)
ON CONFLICT (from_id, to_id) DO UPDATE SET relation_type = EXCLUDED.relation_type`,
			fromID, toID, rel,
		); err != nil {
			return fmt.Errorf("failed to upsert link: %w", err)
		}

		for _, pair := range [][2]string{{fromID, toID}, {toID, fromID}} {
			if _, err := tx.Exec(ctx, `
UPDATE fragments SET linked_to = array_append(linked_to, $2)
WHERE id = $1 AND NOT linked_to @> ARRAY[$2]`, pair[0], pair[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLinkedFragments joins edges to rows for the one-hop expansion.
func (d *Driver) GetLinkedFragments(ctx context.Context, fromIDs []string, rel *fragment.RelationType, limit int, agentID string) ([]*store.LinkedFragment, error) {
	if len(fromIDs) == 0 {
		return nil, nil
	}
	if rel != nil && !rel.Valid() {
		return nil, errors.New("invalid relation type: " + string(*rel))
	}

	query := `
SELECT ` + prefixColumns("f") + `, l.relation_type, l.from_id
FROM fragment_links l
JOIN fragments f ON f.id = l.to_id
WHERE l.from_id = ANY($1)`
	args := []any{fromIDs}
	if rel != nil {
		args = append(args, *rel)
		query += fmt.Sprintf(" AND l.relation_type = $%d", len(args))
	}
	query += `
ORDER BY CASE l.relation_type
  WHEN 'resolved_by' THEN 0
  WHEN 'caused_by' THEN 1
  ELSE 2
END, f.importance DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []*store.LinkedFragment
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f          fragment.Fragment
				accessedAt *time.Time
				verifiedAt *time.Time
				embedding  *pgvector.Vector
				relation   fragment.RelationType
				fromID     string
			)
			if err := rows.Scan(
				&f.ID, &f.Content, &f.Topic, &f.Keywords, &f.Type, &f.Importance,
				&f.ContentHash, &f.Source, &f.LinkedTo, &f.AgentID, &f.AccessCount,
				&accessedAt, &f.CreatedAt, &f.TTLTier, &f.EstimatedTokens,
				&f.UtilityScore, &verifiedAt, &embedding, &f.IsAnchor,
				&relation, &fromID,
			); err != nil {
				return err
			}
			if accessedAt != nil {
				f.AccessedAt = *accessedAt
			}
			if verifiedAt != nil {
				f.VerifiedAt = *verifiedAt
			}
			if embedding != nil {
				f.Embedding = embedding.Slice()
			}
			out = append(out, &store.LinkedFragment{Fragment: &f, Relation: relation, FromID: fromID})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get linked fragments: %w", err)
	}
	return out, nil
}

// GetRCAChain walks caused_by and resolved_by edges one hop from startID.
func (d *Driver) GetRCAChain(ctx context.Context, startID, agentID string) ([]*store.ChainNode, error) {
	start, err := d.GetByID(ctx, startID, agentID)
	if err != nil {
		return nil, err
	}

	causal := []fragment.RelationType{fragment.RelationCausedBy, fragment.RelationResolvedBy}
	out := []*store.ChainNode{{Fragment: start, Depth: 0}}

	linked, err := d.GetLinkedFragments(ctx, []string{startID}, nil, 0, agentID)
	if err != nil {
		return nil, err
	}
	for _, lf := range linked {
		for _, rel := range causal {
			if lf.Relation == rel {
				out = append(out, &store.ChainNode{Fragment: lf.Fragment, Relation: lf.Relation, Depth: 1})
				break
			}
		}
	}
	return out, nil
}

// Count returns the number of fragments visible to the scope.
func (d *Driver) Count(ctx context.Context, agentID string) (int, error) {
	var n int
	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, "SELECT COUNT(*) FROM fragments").Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count fragments: %w", err)
	}
	return n, nil
}

// Stats aggregates the scope's fragments.
func (d *Driver) Stats(ctx context.Context, agentID string) (*store.Stats, error) {
	s := &store.Stats{
		ByType: make(map[fragment.Type]int),
		ByTier: make(map[fragment.TTLTier]int),
	}

	err := d.withScope(ctx, agentID, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN is_anchor THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0),
       COALESCE(AVG(importance), 0)
FROM fragments`).Scan(&s.Total, &s.Anchors, &s.WithEmbedding, &s.AvgImportance); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, "SELECT type, COUNT(*) FROM fragments GROUP BY type")
		if err != nil {
			return err
		}
		for rows.Next() {
			var t fragment.Type
			var n int
			if err := rows.Scan(&t, &n); err != nil {
				rows.Close()
				return err
			}
			s.ByType[t] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, "SELECT ttl_tier, COUNT(*) FROM fragments GROUP BY ttl_tier")
		if err != nil {
			return err
		}
		for rows.Next() {
			var tier fragment.TTLTier
			var n int
			if err := rows.Scan(&tier, &n); err != nil {
				rows.Close()
				return err
			}
			s.ByTier[tier] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
SELECT topic, COUNT(*) FROM fragments
WHERE topic <> ''
GROUP BY topic ORDER BY COUNT(*) DESC, topic LIMIT 10`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tc store.TopicCount
			if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
				return err
			}
			s.TopTopics = append(s.TopTopics, tc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	return s, nil
}

// InsertToolFeedback persists a per-tool usefulness report.
func (d *Driver) InsertToolFeedback(ctx context.Context, fb *fragment.ToolFeedback) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO tool_feedback (tool_name, relevant, sufficient, suggestion, context, session_id, trigger_type)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		fb.ToolName, fb.Relevant, fb.Sufficient,
		nullableString(fb.Suggestion), nullableString(fb.Context),
		nullableString(fb.SessionID), nullableString(fb.TriggerType),
	)
	if err != nil {
		d.logger.Warn("failed to insert tool feedback", zap.Error(err))
	}
	return err
}

// InsertTaskFeedback persists a session-level effectiveness report.
func (d *Driver) InsertTaskFeedback(ctx context.Context, fb *fragment.TaskFeedback) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO task_feedback (session_id, overall_success, tool_highlights, tool_pain_points)
VALUES ($1,$2,$3,$4)`,
		fb.SessionID, fb.OverallSuccess, fb.ToolHighlights, fb.ToolPainPoints,
	)
	if err != nil {
		d.logger.Warn("failed to insert task feedback", zap.Error(err))
	}
	return err
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// prefixColumns qualifies the fragment column list with a table alias.
func prefixColumns(alias string) string {
	return columnList(alias)
}

// columnList renders one SELECT expression per fragment column, optionally
// alias-qualified. source is nullable in the table but not in the model, so
// it reads through COALESCE.
func columnList(alias string) string {
	exprs := make([]string, len(fragmentColumnNames))
	for i, name := range fragmentColumnNames {
		col := name
		if alias != "" {
			col = alias + "." + name
		}
		if name == "source" {
			col = "COALESCE(" + col + ", '')"
		}
		exprs[i] = col
	}
	return strings.Join(exprs, ", ")
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const memoryColumns = `id, memory, space_id, container_tag, version, is_latest,
	parent_memory_id, root_memory_id, memory_relations, source_count, is_inference,
	is_forgotten, is_static, forget_after, forget_reason, memory_type, last_accessed,
	confidence, metadata, embedding, created_at, updated_at`

// CreateMemory inserts a memory row, embedding included when present.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	if m.ID == "" || m.Memory == "" {
		return fmt.Errorf("%w: memory requires id and content", storage.ErrInvalidInput)
	}
	if !m.MemoryType.IsValid() {
		return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, m.MemoryType)
	}
	return s.insertMemory(ctx, s.db, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertMemory(ctx context.Context, db execer, m *types.Memory) error {
	var vec any
	if len(m.Embedding) > 0 {
		vec = pgvector.NewVector(m.Embedding)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22)`,
		m.ID, m.Memory, m.SpaceID, nullable(m.ContainerTag), m.Version, m.IsLatest,
		nullable(m.ParentMemoryID), nullable(m.RootMemoryID), marshalJSON(m.Relations),
		m.SourceCount, m.IsInference, m.IsForgotten, m.IsStatic,
		nullableTime(m.ForgetAfter), nullable(m.ForgetReason), string(m.MemoryType),
		nullableTime(m.LastAccessed), m.Confidence, marshalJSON(m.Metadata), vec,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory fetches a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemoryFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// GetMemoriesByIDs fetches memories in bulk; missing ids are skipped.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetMemoryByContent finds the latest non-forgotten memory with exactly this
// content in a container. Backs the idempotence check on memory creation.
func (s *Store) GetMemoryByContent(ctx context.Context, content, containerTag string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE memory = $1 AND container_tag = $2 AND is_latest AND NOT is_forgotten
		LIMIT 1`, content, containerTag)
	m, err := scanMemoryFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListMemories returns one keyset page ordered by (created_at, id) desc.
func (s *Store) ListMemories(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[*types.Memory], error) {
	opts.Normalize()

	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.ContainerTag != "" {
		where = append(where, "container_tag = "+arg(opts.ContainerTag))
	}
	if opts.LatestOnly {
		where = append(where, "is_latest")
	}
	if !opts.IncludeForgotten {
		where = append(where, "NOT is_forgotten")
	}
	if opts.Cursor != "" {
		at, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(at), arg(id)))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC, id DESC LIMIT `+arg(opts.Limit+1),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	memories, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}

	result := &storage.PaginatedResult[*types.Memory]{}
	if len(memories) > opts.Limit {
		memories = memories[:opts.Limit]
		last := memories[len(memories)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	result.Items = memories
	result.Total = len(memories)
	return result, nil
}

// UpdateMemoryMetadata replaces a memory's metadata object.
func (s *Store) UpdateMemoryMetadata(ctx context.Context, id string, md types.Metadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET metadata = $1, updated_at = $2 WHERE id = $3`,
		marshalJSON(md), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update memory metadata: %w", err)
	}
	return requireAffected(res)
}

// UpdateMemoryEmbedding stores a computed vector on a memory.
func (s *Store) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id)
	if err != nil {
		return fmt.Errorf("update memory embedding: %w", err)
	}
	return requireAffected(res)
}

// DeleteMemory hard-deletes a memory row. Prefer ForgetMemory; deletion
// exists for the API's DELETE verb and for tests.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return requireAffected(res)
}

// SupersedeMemory atomically retires the old version and inserts its
// replacement. The is_latest flip is guarded so a concurrent superseder
// loses with ErrConflict instead of silently forking the chain.
func (s *Store) SupersedeMemory(ctx context.Context, oldID string, replacement *types.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET is_latest = FALSE, updated_at = $1 WHERE id = $2 AND is_latest`,
		time.Now().UTC(), oldID)
	if err != nil {
		return fmt.Errorf("retire memory %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: memory %s is no longer latest", storage.ErrConflict, oldID)
	}

	if err := s.insertMemory(ctx, tx, replacement); err != nil {
		return err
	}

	// Mirror the updates relation onto the retired row so the chain is
	// walkable from both ends.
	if err := addRelationTx(ctx, tx, oldID, replacement.ID, types.RelationUpdates); err != nil {
		return err
	}
	return tx.Commit()
}

// ForgetMemory soft-deletes: the row stays for history but leaves every
// candidate set and search index.
func (s *Store) ForgetMemory(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET is_forgotten = TRUE, forget_reason = $1, updated_at = $2
		WHERE id = $3 AND NOT is_forgotten`,
		nullable(reason), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("forget memory: %w", err)
	}
	return requireAffected(res)
}

// SetMemoryForgetAfter schedules a forget, skipping static and already
// forgotten memories.
func (s *Store) SetMemoryForgetAfter(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET forget_after = $1, updated_at = $2
		WHERE id = $3 AND NOT is_forgotten AND NOT is_static`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set forget_after: %w", err)
	}
	return requireAffected(res)
}

// TouchMemories batch-updates last_accessed for episode decay accounting.
func (s *Store) TouchMemories(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed = $1 WHERE id = ANY($2)`,
		time.Now().UTC(), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("touch memories: %w", err)
	}
	return res.RowsAffected()
}

// UpdateMemorySourceCount sets the reinforcement counter.
func (s *Store) UpdateMemorySourceCount(ctx context.Context, id string, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET source_count = $1, updated_at = $2 WHERE id = $3`,
		count, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update source count: %w", err)
	}
	return requireAffected(res)
}

// AddMemoryRelation records a single directed relation edge.
func (s *Store) AddMemoryRelation(ctx context.Context, id, relatedID string, rel types.RelationType) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relation update: %w", err)
	}
	defer tx.Rollback()
	if err := addRelationTx(ctx, tx, id, relatedID, rel); err != nil {
		return err
	}
	return tx.Commit()
}

// AddMemoryRelationPair writes both directions of a relation in one
// transaction, preserving the symmetry invariant.
func (s *Store) AddMemoryRelationPair(ctx context.Context, a, b string, rel types.RelationType) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relation pair: %w", err)
	}
	defer tx.Rollback()
	if err := addRelationTx(ctx, tx, a, b, rel); err != nil {
		return err
	}
	if err := addRelationTx(ctx, tx, b, a, rel); err != nil {
		return err
	}
	return tx.Commit()
}

type queryExecer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func addRelationTx(ctx context.Context, tx queryExecer, id, relatedID string, rel types.RelationType) error {
	var raw []byte
	err := tx.QueryRowContext(ctx,
		`SELECT memory_relations FROM memories WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("read relations: %w", err)
	}
	rels := unmarshalRelations(raw)
	rels[relatedID] = rel
	data, err := json.Marshal(rels)
	if err != nil {
		return fmt.Errorf("encode relations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET memory_relations = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("write relations: %w", err)
	}
	return nil
}

// SearchSimilarMemories lets pgvector score and order latest memories.
// Forgotten rows are excluded unless IncludeForgotten is set.
func (s *Store) SearchSimilarMemories(ctx context.Context, embedding []float32, opts storage.SearchOptions) ([]storage.SimilarMemory, error) {
	opts.Normalize()

	query := pgvector.NewVector(embedding)
	where := []string{"embedding IS NOT NULL", "is_latest"}
	args := []any{query}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "1 - (embedding <=> $1) >= "+arg(opts.Threshold))
	if !opts.IncludeForgotten {
		where = append(where, "NOT is_forgotten")
	}
	if opts.ContainerTag != "" {
		where = append(where, "container_tag = "+arg(opts.ContainerTag))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`, 1 - (embedding <=> $1) AS score
		FROM memories WHERE `+strings.Join(where, " AND ")+`
		ORDER BY embedding <=> $1, updated_at DESC, id LIMIT `+arg(opts.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var hits []storage.SimilarMemory
	for rows.Next() {
		m, score, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.SimilarMemory{Memory: m, Score: score})
	}
	return hits, rows.Err()
}

// GetMemoryChildren returns direct next versions of a memory.
func (s *Store) GetMemoryChildren(ctx context.Context, parentID string) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE parent_memory_id = $1 AND NOT is_forgotten ORDER BY version ASC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetMemoryChain returns every non-forgotten member of a version chain,
// oldest first. The root itself is included.
func (s *Store) GetMemoryChain(ctx context.Context, rootID string) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE (id = $1 OR root_memory_id = $1) AND NOT is_forgotten
		ORDER BY version ASC`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetForgettingCandidates returns active memories whose forget_after has
// passed.
func (s *Store) GetForgettingCandidates(ctx context.Context, before time.Time) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE forget_after IS NOT NULL AND forget_after < $1 AND NOT is_forgotten`,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query forgetting candidates: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetEpisodeDecayCandidates returns live episodes with no forget already
// scheduled. Static episodes never decay.
func (s *Store) GetEpisodeDecayCandidates(ctx context.Context) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE memory_type = 'episode' AND is_latest AND NOT is_forgotten
			AND NOT is_static AND forget_after IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query decay candidates: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetSeedMemories returns recent non-inference active memories for the
// inference engine.
func (s *Store) GetSeedMemories(ctx context.Context, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE NOT is_inference AND NOT is_forgotten AND is_latest
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query seed memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// InferenceExists reports whether an inference already derives from exactly
// the given source set, comparing sorted id sets against each existing
// inference's derives relations.
func (s *Store) InferenceExists(ctx context.Context, sourceIDs []string) (bool, error) {
	if len(sourceIDs) == 0 {
		return false, nil
	}
	want := append([]string(nil), sourceIDs...)
	sort.Strings(want)

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_relations FROM memories WHERE is_inference AND NOT is_forgotten`)
	if err != nil {
		return false, fmt.Errorf("query inferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return false, err
		}
		rels := unmarshalRelations(raw)
		var derived []string
		for id, rel := range rels {
			if rel == types.RelationDerives {
				derived = append(derived, id)
			}
		}
		if len(derived) != len(want) {
			continue
		}
		sort.Strings(derived)
		match := true
		for i := range want {
			if derived[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetActiveMemories returns latest non-forgotten memories for a container,
// newest first, for profile building.
func (s *Store) GetActiveMemories(ctx context.Context, containerTag string, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE container_tag = $1 AND is_latest AND NOT is_forgotten
		ORDER BY updated_at DESC LIMIT $2`, containerTag, limit)
	if err != nil {
		return nil, fmt.Errorf("query active memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// GetActiveContainerTags lists containers that still hold active memories.
func (s *Store) GetActiveContainerTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT container_tag FROM memories
		WHERE container_tag IS NOT NULL AND is_latest AND NOT is_forgotten`)
	if err != nil {
		return nil, fmt.Errorf("query container tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// GetMaxMemoryUpdatedAt returns the newest updated_at among a container's
// active memories, nil when the container is empty. Drives profile-cache
// staleness checks.
func (s *Store) GetMaxMemoryUpdatedAt(ctx context.Context, containerTag string) (*time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM memories
		WHERE container_tag = $1 AND is_latest AND NOT is_forgotten`,
		containerTag).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("query max updated_at: %w", err)
	}
	if !at.Valid {
		return nil, nil
	}
	t := at.Time.UTC()
	return &t, nil
}

func collectMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemoryFrom(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanMemoryFrom(r rowScanner) (*types.Memory, error) {
	m, _, err := scanMemory(r, false)
	return m, err
}

func scanMemoryWithScore(r rowScanner) (*types.Memory, float64, error) {
	return scanMemory(r, true)
}

func scanMemory(r rowScanner, withScore bool) (*types.Memory, float64, error) {
	var (
		m                                             types.Memory
		containerTag, parentID, rootID, reason, mtype sql.NullString
		forgetAfter, lastAccessed                     sql.NullTime
		relations, metadata                           []byte
		confidence                                    sql.NullFloat64
		vec                                           nullVector
		score                                         float64
	)
	dest := []any{&m.ID, &m.Memory, &m.SpaceID, &containerTag, &m.Version, &m.IsLatest,
		&parentID, &rootID, &relations, &m.SourceCount, &m.IsInference,
		&m.IsForgotten, &m.IsStatic, &forgetAfter, &reason, &mtype, &lastAccessed,
		&confidence, &metadata, &vec, &m.CreatedAt, &m.UpdatedAt}
	if withScore {
		dest = append(dest, &score)
	}
	if err := r.Scan(dest...); err != nil {
		return nil, 0, err
	}
	m.ContainerTag = containerTag.String
	m.ParentMemoryID = parentID.String
	m.RootMemoryID = rootID.String
	m.Relations = unmarshalRelations(relations)
	if forgetAfter.Valid {
		t := forgetAfter.Time.UTC()
		m.ForgetAfter = &t
	}
	m.ForgetReason = reason.String
	m.MemoryType = types.MemoryType(mtype.String)
	if lastAccessed.Valid {
		t := lastAccessed.Time.UTC()
		m.LastAccessed = &t
	}
	if confidence.Valid {
		c := confidence.Float64
		m.Confidence = &c
	}
	m.Metadata = unmarshalMetadata(metadata)
	if vec.valid {
		m.Embedding = vec.vec.Slice()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, score, nil
}

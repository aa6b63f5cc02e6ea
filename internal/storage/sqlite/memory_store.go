package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

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
	var blob []byte
	if len(m.Embedding) > 0 {
		blob = storage.EncodeVector(m.Embedding)
	}
	var forgetAfter any
	if m.ForgetAfter != nil {
		forgetAfter = formatTime(*m.ForgetAfter)
	}
	var lastAccessed any
	if m.LastAccessed != nil {
		lastAccessed = formatTime(*m.LastAccessed)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Memory, m.SpaceID, nullable(m.ContainerTag), m.Version, boolInt(m.IsLatest),
		nullable(m.ParentMemoryID), nullable(m.RootMemoryID), marshalJSON(m.Relations),
		m.SourceCount, boolInt(m.IsInference), boolInt(m.IsForgotten), boolInt(m.IsStatic),
		forgetAfter, nullable(m.ForgetReason), string(m.MemoryType), lastAccessed,
		m.Confidence, marshalJSON(m.Metadata), blob,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory fetches a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
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
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders(len(ids))+`)`,
		toAnySlice(ids)...)
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
		WHERE memory = ? AND container_tag = ? AND is_latest = 1 AND is_forgotten = 0
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

	where := []string{"1=1"}
	args := []any{}
	if opts.ContainerTag != "" {
		where = append(where, "container_tag = ?")
		args = append(args, opts.ContainerTag)
	}
	if opts.LatestOnly {
		where = append(where, "is_latest = 1")
	}
	if !opts.IncludeForgotten {
		where = append(where, "is_forgotten = 0")
	}
	if opts.Cursor != "" {
		at, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, formatTime(at), formatTime(at), id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC, id DESC LIMIT ?`,
		append(args, opts.Limit+1)...)
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
		`UPDATE memories SET metadata = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(md), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update memory metadata: %w", err)
	}
	return requireAffected(res)
}

// UpdateMemoryEmbedding stores a computed vector on a memory.
func (s *Store) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ? WHERE id = ?`,
		storage.EncodeVector(embedding), id)
	if err != nil {
		return fmt.Errorf("update memory embedding: %w", err)
	}
	return requireAffected(res)
}

// DeleteMemory hard-deletes a memory row. Prefer ForgetMemory; deletion
// exists for the API's DELETE verb and for tests.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
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
		`UPDATE memories SET is_latest = 0, updated_at = ? WHERE id = ? AND is_latest = 1`,
		formatTime(time.Now()), oldID)
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
		UPDATE memories SET is_forgotten = 1, forget_reason = ?, updated_at = ?
		WHERE id = ? AND is_forgotten = 0`,
		nullable(reason), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("forget memory: %w", err)
	}
	return requireAffected(res)
}

// SetMemoryForgetAfter schedules a forget, skipping static and already
// forgotten memories.
func (s *Store) SetMemoryForgetAfter(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET forget_after = ?, updated_at = ?
		WHERE id = ? AND is_forgotten = 0 AND is_static = 0`,
		formatTime(at), formatTime(time.Now()), id)
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
		`UPDATE memories SET last_accessed = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		append([]any{formatTime(time.Now())}, toAnySlice(ids)...)...)
	if err != nil {
		return 0, fmt.Errorf("touch memories: %w", err)
	}
	return res.RowsAffected()
}

// UpdateMemorySourceCount sets the reinforcement counter.
func (s *Store) UpdateMemorySourceCount(ctx context.Context, id string, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET source_count = ?, updated_at = ? WHERE id = ?`,
		count, formatTime(time.Now()), id)
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
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT memory_relations FROM memories WHERE id = ?`, id).Scan(&raw); err != nil {
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
		`UPDATE memories SET memory_relations = ?, updated_at = ? WHERE id = ?`,
		string(data), formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("write relations: %w", err)
	}
	return nil
}

// SearchSimilarMemories scores latest memories against the query embedding.
// Forgotten rows are excluded unless IncludeForgotten is set.
func (s *Store) SearchSimilarMemories(ctx context.Context, embedding []float32, opts storage.SearchOptions) ([]storage.SimilarMemory, error) {
	opts.Normalize()

	where := []string{"embedding IS NOT NULL", "is_latest = 1"}
	args := []any{}
	if !opts.IncludeForgotten {
		where = append(where, "is_forgotten = 0")
	}
	if opts.ContainerTag != "" {
		where = append(where, "container_tag = ?")
		args = append(args, opts.ContainerTag)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC LIMIT ?`,
		append(args, vectorScanCap)...)
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}
	defer rows.Close()

	var hits []storage.SimilarMemory
	for rows.Next() {
		m, err := scanMemoryFrom(rows)
		if err != nil {
			return nil, err
		}
		if len(m.Embedding) == 0 {
			continue
		}
		score := storage.CosineSimilarity(embedding, m.Embedding)
		if score < opts.Threshold {
			continue
		}
		hits = append(hits, storage.SimilarMemory{Memory: m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Memory.UpdatedAt.Equal(hits[j].Memory.UpdatedAt) {
			return hits[i].Memory.UpdatedAt.After(hits[j].Memory.UpdatedAt)
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// GetMemoryChildren returns direct next versions of a memory.
func (s *Store) GetMemoryChildren(ctx context.Context, parentID string) ([]*types.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE parent_memory_id = ? AND is_forgotten = 0 ORDER BY version ASC`,
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
		WHERE (id = ? OR root_memory_id = ?) AND is_forgotten = 0
		ORDER BY version ASC`, rootID, rootID)
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
		WHERE forget_after IS NOT NULL AND forget_after < ? AND is_forgotten = 0`,
		formatTime(before))
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
		WHERE memory_type = 'episode' AND is_latest = 1 AND is_forgotten = 0
			AND is_static = 0 AND forget_after IS NULL`)
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
		WHERE is_inference = 0 AND is_forgotten = 0 AND is_latest = 1
		ORDER BY created_at DESC LIMIT ?`, limit)
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
		`SELECT memory_relations FROM memories WHERE is_inference = 1 AND is_forgotten = 0`)
	if err != nil {
		return false, fmt.Errorf("query inferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
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
		WHERE container_tag = ? AND is_latest = 1 AND is_forgotten = 0
		ORDER BY updated_at DESC LIMIT ?`, containerTag, limit)
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
		WHERE container_tag IS NOT NULL AND is_latest = 1 AND is_forgotten = 0`)
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
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM memories
		WHERE container_tag = ? AND is_latest = 1 AND is_forgotten = 0`,
		containerTag).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("query max updated_at: %w", err)
	}
	return parseTimePtr(raw), nil
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
	var (
		m                                              types.Memory
		containerTag, parentID, rootID, reason, mtype  sql.NullString
		forgetAfter, lastAccessed                      sql.NullString
		relations, metadata, createdAt, updatedAt      string
		isLatest, isInference, isForgotten, isStatic   int
		confidence                                     sql.NullFloat64
		blob                                           []byte
	)
	err := r.Scan(&m.ID, &m.Memory, &m.SpaceID, &containerTag, &m.Version, &isLatest,
		&parentID, &rootID, &relations, &m.SourceCount, &isInference,
		&isForgotten, &isStatic, &forgetAfter, &reason, &mtype, &lastAccessed,
		&confidence, &metadata, &blob, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.ContainerTag = containerTag.String
	m.IsLatest = isLatest == 1
	m.ParentMemoryID = parentID.String
	m.RootMemoryID = rootID.String
	m.Relations = unmarshalRelations(relations)
	m.IsInference = isInference == 1
	m.IsForgotten = isForgotten == 1
	m.IsStatic = isStatic == 1
	m.ForgetAfter = parseTimePtr(forgetAfter)
	m.ForgetReason = reason.String
	m.MemoryType = types.MemoryType(mtype.String)
	m.LastAccessed = parseTimePtr(lastAccessed)
	if confidence.Valid {
		c := confidence.Float64
		m.Confidence = &c
	}
	m.Metadata = unmarshalMetadata(metadata)
	if len(blob) > 0 {
		if vec, err := storage.DecodeVector(blob); err == nil {
			m.Embedding = vec
		}
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

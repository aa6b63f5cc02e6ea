package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/momohq/momo/internal/storage"
	"github.com/momohq/momo/pkg/types"
)

const documentColumns = `id, custom_id, title, content, summary, url, doc_type, status,
	error_message, container_tags, metadata, chunk_count, token_count, word_count,
	created_at, updated_at`

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" || !doc.Status.IsValid() {
		return fmt.Errorf("%w: document requires id and valid status", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		doc.ID, nullable(doc.CustomID), nullable(doc.Title), nullable(doc.Content),
		nullable(doc.Summary), nullable(doc.URL), string(doc.DocType), string(doc.Status),
		nullable(doc.ErrorMessage), marshalJSON(doc.ContainerTags), marshalJSON(doc.Metadata),
		doc.ChunkCount, doc.TokenCount, doc.WordCount,
		doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate document custom_id %q", storage.ErrConflict, doc.CustomID)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// GetDocumentByCustomID fetches a document by its caller-assigned id.
func (s *Store) GetDocumentByCustomID(ctx context.Context, customID string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE custom_id = $1`, customID)
	return scanDocument(row)
}

// GetDocumentsByIDs fetches documents in bulk; missing ids are skipped.
func (s *Store) GetDocumentsByIDs(ctx context.Context, ids []string) ([]*types.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocumentFrom(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateDocument rewrites all mutable fields of an existing document.
func (s *Store) UpdateDocument(ctx context.Context, doc *types.Document) error {
	doc.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title = $1, content = $2, summary = $3, url = $4, doc_type = $5,
			status = $6, error_message = $7, metadata = $8, chunk_count = $9, token_count = $10,
			word_count = $11, updated_at = $12
		WHERE id = $13`,
		nullable(doc.Title), nullable(doc.Content), nullable(doc.Summary), nullable(doc.URL),
		string(doc.DocType), string(doc.Status), nullable(doc.ErrorMessage),
		marshalJSON(doc.Metadata), doc.ChunkCount, doc.TokenCount, doc.WordCount,
		doc.UpdatedAt, doc.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(res)
}

// UpdateDocumentStatus moves a document through the processing state
// machine, rejecting transitions the machine does not allow. The row is
// locked so concurrent workers serialize on the transition check.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("read document status: %w", err)
	}

	if !types.IsValidStatusTransition(types.ProcessingStatus(current), status) {
		return fmt.Errorf("%w: illegal status transition %s -> %s for document %s",
			storage.ErrConflict, current, status, id)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullable(errMsg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("write document status: %w", err)
	}
	return tx.Commit()
}

// DeleteDocument removes a document; chunks and memory-source links cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(res)
}

// ListDocuments returns one keyset page ordered by (created_at, id) desc.
func (s *Store) ListDocuments(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[*types.Document], error) {
	opts.Normalize()

	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}
	if opts.ContainerTag != "" {
		where = append(where, "container_tags ? "+arg(opts.ContainerTag))
	}
	if opts.Cursor != "" {
		at, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(at), arg(id)))
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(opts.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocumentFrom(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &storage.PaginatedResult[*types.Document]{}
	if len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
		last := docs[len(docs)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	result.Items = docs
	result.Total = len(docs)
	return result, nil
}

// ClaimQueuedDocument atomically hands the oldest queued document to a
// worker. SKIP LOCKED lets several server instances share one queue.
func (s *Store) ClaimQueuedDocument(ctx context.Context) (*types.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE status = 'queued'
		ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET status = 'extracting', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), doc.ID)
	if err != nil {
		return nil, fmt.Errorf("claim document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	doc.Status = types.StatusExtracting
	return doc, nil
}

// RequeueAllDocuments resets every document to queued, used by the
// dimension-migration rebuild.
func (s *Store) RequeueAllDocuments(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = 'queued', error_message = NULL, updated_at = $1`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue documents: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStaleDocuments rescues documents a crashed worker left mid-flight.
func (s *Store) RequeueStaleDocuments(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'queued', updated_at = $1
		WHERE status IN ('extracting', 'chunking', 'embedding', 'indexing')`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale documents: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row *sql.Row) (*types.Document, error) {
	doc, err := scanDocumentFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func scanDocumentFrom(r rowScanner) (*types.Document, error) {
	var (
		doc                                            types.Document
		customID, title, content, summary, url, errMsg sql.NullString
		docType, status                                string
		tags, metadata                                 []byte
	)
	err := r.Scan(&doc.ID, &customID, &title, &content, &summary, &url, &docType, &status,
		&errMsg, &tags, &metadata, &doc.ChunkCount, &doc.TokenCount, &doc.WordCount,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.CustomID = customID.String
	doc.Title = title.String
	doc.Content = content.String
	doc.Summary = summary.String
	doc.URL = url.String
	doc.ErrorMessage = errMsg.String
	doc.DocType = types.DocumentType(docType)
	doc.Status = types.ProcessingStatus(status)
	doc.ContainerTags = unmarshalTags(tags)
	doc.Metadata = unmarshalMetadata(metadata)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

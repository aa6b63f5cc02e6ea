package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, nullable(doc.CustomID), nullable(doc.Title), nullable(doc.Content),
		nullable(doc.Summary), nullable(doc.URL), string(doc.DocType), string(doc.Status),
		nullable(doc.ErrorMessage), marshalJSON(doc.ContainerTags), marshalJSON(doc.Metadata),
		doc.ChunkCount, doc.TokenCount, doc.WordCount,
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt))
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
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByCustomID fetches a document by its caller-assigned id.
func (s *Store) GetDocumentByCustomID(ctx context.Context, customID string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE custom_id = ?`, customID)
	return scanDocument(row)
}

// GetDocumentsByIDs fetches documents in bulk; missing ids are skipped.
func (s *Store) GetDocumentsByIDs(ctx context.Context, ids []string) ([]*types.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders(len(ids))+`)`,
		toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
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
		UPDATE documents SET title = ?, content = ?, summary = ?, url = ?, doc_type = ?,
			status = ?, error_message = ?, metadata = ?, chunk_count = ?, token_count = ?,
			word_count = ?, updated_at = ?
		WHERE id = ?`,
		nullable(doc.Title), nullable(doc.Content), nullable(doc.Summary), nullable(doc.URL),
		string(doc.DocType), string(doc.Status), nullable(doc.ErrorMessage),
		marshalJSON(doc.Metadata), doc.ChunkCount, doc.TokenCount, doc.WordCount,
		formatTime(doc.UpdatedAt), doc.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(res)
}

// UpdateDocumentStatus moves a document through the processing state
// machine, rejecting transitions the machine does not allow.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&current); err != nil {
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
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullable(errMsg), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("write document status: %w", err)
	}
	return tx.Commit()
}

// DeleteDocument removes a document; chunks and memory-source links cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(res)
}

// ListDocuments returns one keyset page ordered by (created_at, id) desc.
func (s *Store) ListDocuments(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[*types.Document], error) {
	opts.Normalize()

	where := []string{"1=1"}
	args := []any{}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.ContainerTag != "" {
		// container_tags is a JSON array; membership via LIKE on the
		// quoted tag is safe because tags are restricted identifiers.
		where = append(where, "container_tags LIKE ?")
		args = append(args, `%"`+opts.ContainerTag+`"%`)
	}
	if opts.Cursor != "" {
		at, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, formatTime(at), formatTime(at), id)
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, opts.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
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
// worker by flipping it to extracting.
func (s *Store) ClaimQueuedDocument(ctx context.Context) (*types.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET status = 'extracting', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), doc.ID)
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
		`UPDATE documents SET status = 'queued', error_message = NULL, updated_at = ?`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("requeue documents: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStaleDocuments rescues documents a crashed worker left mid-flight.
func (s *Store) RequeueStaleDocuments(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'queued', updated_at = ?
		WHERE status IN ('extracting', 'chunking', 'embedding', 'indexing')`,
		formatTime(time.Now()))
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

func scanDocumentRows(rows *sql.Rows) (*types.Document, error) {
	return scanDocumentFrom(rows)
}

func scanDocumentFrom(r rowScanner) (*types.Document, error) {
	var (
		doc                                            types.Document
		customID, title, content, summary, url, errMsg sql.NullString
		docType, status, tags, metadata                string
		createdAt, updatedAt                           string
	)
	err := r.Scan(&doc.ID, &customID, &title, &content, &summary, &url, &docType, &status,
		&errMsg, &tags, &metadata, &doc.ChunkCount, &doc.TokenCount, &doc.WordCount,
		&createdAt, &updatedAt)
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
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

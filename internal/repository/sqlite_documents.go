package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/docforge/engine/internal/model"
)

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func (s *SQLiteStore) ListProjectResources(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error) {
	where := []string{"project_id = ?", "resource_type = ?"}
	args := []any{q.ProjectID, "rendered_document"}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.StageSlug != "" {
		where = append(where, "stage_slug = ?")
		args = append(args, q.StageSlug)
	}
	if q.DocumentKey != "" {
		where = append(where, "document_key = ?")
		args = append(args, q.DocumentKey)
	}
	if q.IterationNumber > 0 {
		where = append(where, "iteration_number = ?")
		args = append(args, q.IterationNumber)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, COALESCE(session_id, ''), COALESCE(stage_slug, ''),
		       COALESCE(iteration_number, 0), COALESCE(document_key, ''),
		       file_name, storage_bucket, storage_path, created_at, updated_at
		FROM project_resources
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC, created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query project resources: %w", err)
	}
	defer rows.Close()
	return scanSourceDocuments(rows, model.SourceTypeDocument)
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error) {
	where := []string{"session_id = ?", "iteration_number = ?"}
	args := []any{q.SessionID, q.IterationNumber}
	if q.StageSlug != "" {
		where = append(where, "stage_slug = ?")
		args = append(args, q.StageSlug)
	}
	if q.DocumentKey != "" {
		where = append(where, "document_key = ?")
		args = append(args, q.DocumentKey)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, COALESCE(stage_slug, ''),
		       iteration_number, COALESCE(document_key, ''),
		       file_name, storage_bucket, storage_path, created_at, updated_at
		FROM feedback
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC, created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()
	return scanSourceDocuments(rows, model.SourceTypeFeedback)
}

func (s *SQLiteStore) ListHeaderContexts(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error) {
	where := []string{"session_id = ?", "iteration_number = ?", "contribution_type = ?", "is_latest_edit = 1"}
	args := []any{q.SessionID, q.IterationNumber, "header_context"}
	if q.StageSlug != "" {
		where = append(where, "stage_slug = ?")
		args = append(args, q.StageSlug)
	}
	if q.ModelID != "" {
		where = append(where, "model_id = ?")
		args = append(args, q.ModelID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, stage_slug, iteration_number,
		       COALESCE(document_key, ''), file_name, storage_bucket, storage_path,
		       created_at, updated_at
		FROM contributions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC, created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query header contexts: %w", err)
	}
	defer rows.Close()
	return scanSourceDocuments(rows, model.SourceTypeHeaderContext)
}

// FindByStorageCoordinates checks the three families in turn. Contributions
// are checked first since rendered documents and feedback never share a
// storage prefix with model output.
func (s *SQLiteStore) FindByStorageCoordinates(ctx context.Context, bucket, path, fileName string) (*model.SourceDocument, error) {
	type family struct {
		query      string
		sourceType model.SourceType
	}
	families := []family{
		{`SELECT id, project_id, session_id, stage_slug, iteration_number,
			COALESCE(document_key, ''), file_name, storage_bucket, storage_path,
			created_at, updated_at
		  FROM contributions
		  WHERE storage_bucket = ? AND storage_path = ? AND file_name = ?`,
			model.SourceTypeHeaderContext},
		{`SELECT id, project_id, COALESCE(session_id, ''), COALESCE(stage_slug, ''),
			COALESCE(iteration_number, 0), COALESCE(document_key, ''),
			file_name, storage_bucket, storage_path, created_at, updated_at
		  FROM project_resources
		  WHERE storage_bucket = ? AND storage_path = ? AND file_name = ?`,
			model.SourceTypeDocument},
		{`SELECT id, project_id, session_id, COALESCE(stage_slug, ''),
			iteration_number, COALESCE(document_key, ''),
			file_name, storage_bucket, storage_path, created_at, updated_at
		  FROM feedback
		  WHERE storage_bucket = ? AND storage_path = ? AND file_name = ?`,
			model.SourceTypeFeedback},
	}

	for _, f := range families {
		doc, err := scanOneSourceDocument(s.db.QueryRowContext(ctx, f.query, bucket, path, fileName), f.sourceType)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.sourceType == model.SourceTypeHeaderContext && doc.DocumentKey == "" {
			// A contribution row's document key doubles as its kind marker.
			doc.DocumentKey = doc.StageSlug
		}
		return doc, nil
	}
	return nil, ErrNotFound
}

// GetSourceDocument checks the three families in turn for the id. A
// contribution row only counts as a header context when its contribution
// type says so.
func (s *SQLiteStore) GetSourceDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	var contribType string
	err := s.db.QueryRowContext(ctx,
		`SELECT contribution_type FROM contributions WHERE id = ?`, id).Scan(&contribType)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to probe contribution %s: %w", id, err)
	}
	if err == nil {
		sourceType := model.SourceTypeDocument
		if contribType == "header_context" {
			sourceType = model.SourceTypeHeaderContext
		}
		return scanOneSourceDocument(s.db.QueryRowContext(ctx, `
			SELECT id, project_id, session_id, stage_slug, iteration_number,
			       COALESCE(document_key, ''), file_name, storage_bucket, storage_path,
			       created_at, updated_at
			FROM contributions WHERE id = ?`, id), sourceType)
	}

	doc, err := scanOneSourceDocument(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, COALESCE(session_id, ''), COALESCE(stage_slug, ''),
		       COALESCE(iteration_number, 0), COALESCE(document_key, ''),
		       file_name, storage_bucket, storage_path, created_at, updated_at
		FROM project_resources WHERE id = ?`, id), model.SourceTypeDocument)
	if err != ErrNotFound {
		return doc, err
	}

	return scanOneSourceDocument(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, COALESCE(stage_slug, ''),
		       iteration_number, COALESCE(document_key, ''),
		       file_name, storage_bucket, storage_path, created_at, updated_at
		FROM feedback WHERE id = ?`, id), model.SourceTypeFeedback)
}

func (s *SQLiteStore) SaveContribution(ctx context.Context, c *model.Contribution) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (
			id, session_id, project_id, stage_slug, iteration_number, model_id,
			document_key, contribution_type, file_name, storage_bucket, storage_path,
			size_bytes, mime_type, tokens_used_input, tokens_used_output,
			is_latest_edit, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		c.ID, c.SessionID, c.ProjectID, c.StageSlug, c.IterationNumber, c.ModelID,
		c.DocumentKey, c.ContributionType, c.FileName, c.StorageBucket, c.StoragePath,
		c.SizeBytes, c.MimeType, c.TokensInput, c.TokensOutput, now, now)
	if err != nil {
		return fmt.Errorf("failed to save contribution %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	var (
		c         model.Contribution
		latest    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, project_id, stage_slug, iteration_number,
		       COALESCE(model_id, ''), COALESCE(document_key, ''), contribution_type,
		       file_name, storage_bucket, storage_path, size_bytes, mime_type,
		       tokens_used_input, tokens_used_output, is_latest_edit, created_at
		FROM contributions WHERE id = ?`, id).
		Scan(&c.ID, &c.SessionID, &c.ProjectID, &c.StageSlug, &c.IterationNumber,
			&c.ModelID, &c.DocumentKey, &c.ContributionType, &c.FileName,
			&c.StorageBucket, &c.StoragePath, &c.SizeBytes, &c.MimeType,
			&c.TokensInput, &c.TokensOutput, &latest, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contribution %s: %w", id, err)
	}
	c.IsLatestEdit = latest == 1
	c.CreatedAt = timeFromUnix(createdAt)
	return &c, nil
}

func (s *SQLiteStore) SaveRenderedResource(ctx context.Context, d *model.SourceDocument) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_resources (
			id, project_id, session_id, stage_slug, iteration_number,
			document_key, resource_type, file_name, storage_bucket, storage_path,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'rendered_document', ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.SessionID, d.StageSlug, d.IterationNumber,
		d.DocumentKey, d.FileName, d.StorageBucket, d.StoragePath, now, now)
	if err != nil {
		return fmt.Errorf("failed to save rendered resource %s: %w", d.ID, err)
	}
	return nil
}

func scanOneSourceDocument(row *sql.Row, sourceType model.SourceType) (*model.SourceDocument, error) {
	var (
		d         model.SourceDocument
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.SessionID, &d.StageSlug, &d.IterationNumber,
		&d.DocumentKey, &d.FileName, &d.StorageBucket, &d.StoragePath,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source document: %w", err)
	}
	d.Type = sourceType
	d.CreatedAt = timeFromUnix(createdAt)
	d.UpdatedAt = timeFromUnix(updatedAt)
	return &d, nil
}

func scanSourceDocuments(rows *sql.Rows, sourceType model.SourceType) ([]*model.SourceDocument, error) {
	var docs []*model.SourceDocument
	for rows.Next() {
		var (
			d         model.SourceDocument
			createdAt int64
			updatedAt int64
		)
		err := rows.Scan(&d.ID, &d.ProjectID, &d.SessionID, &d.StageSlug, &d.IterationNumber,
			&d.DocumentKey, &d.FileName, &d.StorageBucket, &d.StoragePath,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source document: %w", err)
		}
		d.Type = sourceType
		d.CreatedAt = timeFromUnix(createdAt)
		d.UpdatedAt = timeFromUnix(updatedAt)
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

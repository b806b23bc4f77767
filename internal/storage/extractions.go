package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/models"
)

// CompleteExtraction persists ext with all its images, diagram descriptions and tables and
// marks the document completed, in one transaction. Any earlier extraction of the document
// is replaced. The document must be processing; otherwise nothing is written.
func (s *SQLiteStorage) CompleteExtraction(ctx context.Context, ext *models.Extraction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE documents SET processing_status = ?, error_message = NULL, processed_at = ?, updated_at = ?
		 WHERE id = ? AND processing_status = ?`,
		models.StatusCompleted, now, now, ext.DocumentID, models.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.ErrConflict, "document is not processing", fmt.Errorf("document %s", ext.DocumentID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM extractions WHERE document_id = ?`, ext.DocumentID); err != nil {
		return fmt.Errorf("remove superseded extraction: %w", err)
	}

	if ext.ID == "" {
		ext.ID = uuid.NewString()
	}
	ext.CreatedAt = now
	metadataJSON, err := json.Marshal(ext.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO extractions (id, document_id, extracted_text_markdown, extracted_text_plain, total_pages,
			confidence_score, agentic_ms, local_ms, vision_ms, total_ms, extraction_method, extraction_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ext.ID, ext.DocumentID, ext.Markdown, ext.PlainText, ext.TotalPages, ext.ConfidenceScore,
		ext.Timings.AgenticMS, ext.Timings.LocalMS, ext.Timings.VisionMS, ext.Timings.TotalMS,
		ext.Method, string(metadataJSON), ext.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert extraction: %w", err)
	}

	if err := insertImages(ctx, tx, ext); err != nil {
		return err
	}
	if err := insertTables(ctx, tx, ext); err != nil {
		return err
	}
	return tx.Commit()
}

func insertImages(ctx context.Context, tx *sql.Tx, ext *models.Extraction) error {
	if len(ext.Images) == 0 {
		return nil
	}
	imgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO extracted_images (id, extraction_id, image_id, page_number, sequence, image_path,
			image_format, width, height, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer imgStmt.Close()

	diagStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO diagram_descriptions (id, image_row_id, image_id, is_diagram, diagram_type, image_type,
			outermost_elements, shape_mapping, nested_components, connections, all_text_labels, description_summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer diagStmt.Close()

	for _, img := range ext.Images {
		if img.ID == "" {
			img.ID = uuid.NewString()
		}
		if _, err := imgStmt.ExecContext(ctx, img.ID, ext.ID, img.ImageID, img.PageNumber, img.Sequence,
			img.ImagePath, img.Format, img.Width, img.Height, img.DescriptionText); err != nil {
			return fmt.Errorf("insert image %s: %w", img.ImageID, err)
		}
		d := img.Diagram
		if d == nil {
			continue
		}
		if d.ImageID != img.ImageID {
			return fmt.Errorf("diagram for %s attached to image %s", d.ImageID, img.ImageID)
		}
		cols, err := marshalAll(d.OutermostElements, d.ShapeMapping, d.NestedComponents, d.Connections, d.AllTextLabels)
		if err != nil {
			return fmt.Errorf("marshal diagram %s: %w", d.ImageID, err)
		}
		if _, err := diagStmt.ExecContext(ctx, uuid.NewString(), img.ID, d.ImageID, d.IsDiagram, d.DiagramType,
			d.ImageType, cols[0], cols[1], cols[2], cols[3], cols[4], d.Summary); err != nil {
			return fmt.Errorf("insert diagram %s: %w", d.ImageID, err)
		}
	}
	return nil
}

func insertTables(ctx context.Context, tx *sql.Tx, ext *models.Extraction) error {
	if len(ext.Tables) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO extracted_tables (id, extraction_id, table_id, page_number, table_index, html_content,
			headers_json, rows_json, num_rows, num_cols, b_box_x, b_box_y, b_box_width, b_box_height, extraction_source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range ext.Tables {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		cols, err := marshalAll(t.Headers, t.Rows)
		if err != nil {
			return fmt.Errorf("marshal table %s: %w", t.TableID, err)
		}
		var x, y, w, h sql.NullFloat64
		if t.BBox != nil {
			x = sql.NullFloat64{Float64: t.BBox.X, Valid: true}
			y = sql.NullFloat64{Float64: t.BBox.Y, Valid: true}
			w = sql.NullFloat64{Float64: t.BBox.Width, Valid: true}
			h = sql.NullFloat64{Float64: t.BBox.Height, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, t.ID, ext.ID, t.TableID, t.PageNumber, t.Index, t.HTML,
			cols[0], cols[1], t.NumRows, t.NumCols, x, y, w, h, t.Source); err != nil {
			return fmt.Errorf("insert table %s: %w", t.TableID, err)
		}
	}
	return nil
}

func marshalAll(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}

// FailDocument marks a document failed with a client-safe message and removes any
// extraction it had, in one transaction.
func (s *SQLiteStorage) FailDocument(ctx context.Context, documentID, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE documents SET processing_status = ?, error_message = ?, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusFailed, message, now, now, documentID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound("document", documentID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM extractions WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetExtraction returns the extraction of a document with its images, diagrams and tables.
// Callers resolve the document through a tenant-scoped lookup first.
func (s *SQLiteStorage) GetExtraction(ctx context.Context, documentID string) (*models.Extraction, error) {
	var ext models.Extraction
	var metadataJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, COALESCE(extracted_text_markdown, ''), COALESCE(extracted_text_plain, ''),
			total_pages, confidence_score, agentic_ms, local_ms, vision_ms, total_ms,
			COALESCE(extraction_method, ''), extraction_metadata, created_at
		 FROM extractions WHERE document_id = ?`, documentID,
	).Scan(&ext.ID, &ext.DocumentID, &ext.Markdown, &ext.PlainText, &ext.TotalPages, &ext.ConfidenceScore,
		&ext.Timings.AgenticMS, &ext.Timings.LocalMS, &ext.Timings.VisionMS, &ext.Timings.TotalMS,
		&ext.Method, &metadataJSON, &ext.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("extraction", documentID)
	}
	if err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ext.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if ext.Images, err = s.loadImages(ctx, ext.ID); err != nil {
		return nil, err
	}
	if ext.Tables, err = s.loadTables(ctx, ext.ID); err != nil {
		return nil, err
	}
	return &ext, nil
}

func (s *SQLiteStorage) loadImages(ctx context.Context, extractionID string) ([]*models.ExtractedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.image_id, i.page_number, i.sequence, COALESCE(i.image_path, ''), COALESCE(i.image_format, ''),
			COALESCE(i.width, 0), COALESCE(i.height, 0), COALESCE(i.description, ''),
			d.image_id, d.is_diagram, d.diagram_type, d.image_type, d.outermost_elements, d.shape_mapping,
			d.nested_components, d.connections, d.all_text_labels, d.description_summary
		 FROM extracted_images i LEFT JOIN diagram_descriptions d ON d.image_row_id = i.id
		 WHERE i.extraction_id = ? ORDER BY i.page_number, i.sequence`, extractionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := []*models.ExtractedImage{}
	for rows.Next() {
		var img models.ExtractedImage
		var dImageID, dType, dImageType, outer, shapes, nested, conns, labels, summary sql.NullString
		var isDiagram sql.NullBool
		if err := rows.Scan(&img.ID, &img.ImageID, &img.PageNumber, &img.Sequence, &img.ImagePath, &img.Format,
			&img.Width, &img.Height, &img.DescriptionText,
			&dImageID, &isDiagram, &dType, &dImageType, &outer, &shapes, &nested, &conns, &labels, &summary); err != nil {
			return nil, err
		}
		if dImageID.Valid {
			d := &models.DiagramDescription{
				ImageID:     dImageID.String,
				IsDiagram:   isDiagram.Bool,
				DiagramType: models.DiagramType(dType.String),
				ImageType:   dImageType.String,
				Summary:     summary.String,
			}
			if err := unmarshalAll(
				[]sql.NullString{outer, shapes, nested, conns, labels},
				&d.OutermostElements, &d.ShapeMapping, &d.NestedComponents, &d.Connections, &d.AllTextLabels,
			); err != nil {
				return nil, fmt.Errorf("decode diagram %s: %w", d.ImageID, err)
			}
			img.Diagram = d
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

func (s *SQLiteStorage) loadTables(ctx context.Context, extractionID string) ([]*models.ExtractedTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_id, page_number, table_index, COALESCE(html_content, ''), headers_json, rows_json,
			num_rows, num_cols, b_box_x, b_box_y, b_box_width, b_box_height, extraction_source
		 FROM extracted_tables WHERE extraction_id = ? ORDER BY page_number, table_index`, extractionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := []*models.ExtractedTable{}
	for rows.Next() {
		var t models.ExtractedTable
		var headers, body sql.NullString
		var x, y, w, h sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.TableID, &t.PageNumber, &t.Index, &t.HTML, &headers, &body,
			&t.NumRows, &t.NumCols, &x, &y, &w, &h, &t.Source); err != nil {
			return nil, err
		}
		if err := unmarshalAll([]sql.NullString{headers, body}, &t.Headers, &t.Rows); err != nil {
			return nil, fmt.Errorf("decode table %s: %w", t.TableID, err)
		}
		if x.Valid && y.Valid && w.Valid && h.Valid {
			t.BBox = &models.BBox{X: x.Float64, Y: y.Float64, Width: w.Float64, Height: h.Float64}
		}
		tables = append(tables, &t)
	}
	return tables, rows.Err()
}

func unmarshalAll(src []sql.NullString, dst ...any) error {
	for i, s := range src {
		if !s.Valid || s.String == "" || s.String == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(s.String), dst[i]); err != nil {
			return err
		}
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dataset is a named list of generation requests used for evaluation.
type Dataset struct {
	ID        string
	Name      string
	Rows      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatasetRow is one request in a dataset. SourceTraceID is set when the row
// was captured from an existing trace.
type DatasetRow struct {
	CustomerName  string `json:"customer_name"`
	UserInput     string `json:"user_input"`
	SourceTraceID string `json:"source_trace_id,omitempty"`
}

// SaveDataset creates the dataset or replaces the rows of an existing one
// with the same name.
func (s *Store) SaveDataset(ctx context.Context, name string, rows []DatasetRow) (Dataset, error) {
	if name == "" {
		return Dataset{}, errors.New("dataset name is required")
	}
	now := formatTime(time.Now())

	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM datasets WHERE name = ?`, name).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO datasets (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
				id, name, now, now); err != nil {
				return fmt.Errorf("creating dataset %q: %w", name, err)
			}
		case err != nil:
			return fmt.Errorf("looking up dataset %q: %w", name, err)
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE datasets SET updated_at = ? WHERE id = ?`, now, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_rows WHERE dataset_id = ?`, id); err != nil {
				return fmt.Errorf("clearing dataset %q: %w", name, err)
			}
		}

		for i, r := range rows {
			if r.CustomerName == "" {
				return fmt.Errorf("dataset %q row %d: customer_name is required", name, i)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dataset_rows (dataset_id, position, customer_name, user_input, source_trace_id) VALUES (?, ?, ?, ?, ?)`,
				id, i, r.CustomerName, r.UserInput, r.SourceTraceID); err != nil {
				return fmt.Errorf("inserting dataset row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return Dataset{}, err
	}
	return s.GetDataset(ctx, name)
}

// GetDataset returns the dataset header.
func (s *Store) GetDataset(ctx context.Context, name string) (Dataset, error) {
	var (
		d                    Dataset
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.created_at, d.updated_at, COUNT(r.position)
		FROM datasets d LEFT JOIN dataset_rows r ON r.dataset_id = d.id
		WHERE d.name = ?
		GROUP BY d.id`, name,
	).Scan(&d.ID, &d.Name, &createdAt, &updatedAt, &d.Rows)
	if errors.Is(err, sql.ErrNoRows) {
		return Dataset{}, fmt.Errorf("dataset %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Dataset{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Dataset{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Dataset{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// DatasetRows returns the rows of the named dataset in insertion order.
func (s *Store) DatasetRows(ctx context.Context, name string) ([]DatasetRow, error) {
	d, err := s.GetDataset(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_name, user_input, source_trace_id
		FROM dataset_rows WHERE dataset_id = ? ORDER BY position ASC`, d.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DatasetRow, 0, d.Rows)
	for rows.Next() {
		var r DatasetRow
		if err := rows.Scan(&r.CustomerName, &r.UserInput, &r.SourceTraceID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDatasets returns all datasets ordered by name.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.created_at, d.updated_at, COUNT(r.position)
		FROM datasets d LEFT JOIN dataset_rows r ON r.dataset_id = d.id
		GROUP BY d.id ORDER BY d.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var (
			d                    Dataset
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &createdAt, &updatedAt, &d.Rows); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

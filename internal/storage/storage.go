package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for composite runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS composite_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            output_path TEXT,
            source_trace TEXT,
            quality_output TEXT,
            chain TEXT,
            control_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_inputs (
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            filename TEXT NOT NULL,
            cloud_file TEXT,
            metadata_json TEXT,
            PRIMARY KEY (run_id, position)
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_composite_runs_created_at ON composite_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID            string
	Status        string
	OutputPath    string
	SourceTrace   string
	QualityOutput string
	Chain         string
	ControlJSON   string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// InputRecord is one scene of a run, in input order.
type InputRecord struct {
	Position  int
	Filename  string
	CloudFile string
	Metadata  map[string]float64
}

// RecordRunQueued inserts a pending run and its inputs.
func (s *Store) RecordRunQueued(rec RunRecord, inputs []InputRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO composite_runs (id, status, output_path, source_trace, quality_output, chain, control_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.OutputPath, rec.SourceTrace, rec.QualityOutput, rec.Chain, rec.ControlJSON)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM run_inputs WHERE run_id=?;`, rec.ID); err != nil {
		return err
	}
	for _, in := range inputs {
		mdJSON, err := json.Marshal(in.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO run_inputs (run_id, position, filename, cloud_file, metadata_json) VALUES (?, ?, ?, ?, ?);`,
			rec.ID, in.Position, in.Filename, in.CloudFile, string(mdJSON))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE composite_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE composite_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, output_path, source_trace, quality_output, chain, control_json, created_at, started_at, completed_at, error_message FROM composite_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var trace, qual, chain, ctrl, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.OutputPath, &trace, &qual, &chain, &ctrl, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.SourceTrace = trace.String
		rec.QualityOutput = qual.String
		rec.Chain = chain.String
		rec.ControlJSON = ctrl.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunInputs returns a run's scenes in input order.
func (s *Store) RunInputs(id string) ([]InputRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT position, filename, cloud_file, metadata_json FROM run_inputs WHERE run_id=? ORDER BY position;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []InputRecord
	for rows.Next() {
		var rec InputRecord
		var cloud, md sql.NullString
		if err := rows.Scan(&rec.Position, &rec.Filename, &cloud, &md); err != nil {
			return nil, err
		}
		rec.CloudFile = cloud.String
		if md.Valid && md.String != "" {
			if err := json.Unmarshal([]byte(md.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

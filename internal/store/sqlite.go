package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"agentfleet/internal/model"
)

// ErrNotFound is returned when a worker id has no persisted record.
var ErrNotFound = errors.New("worker record not found")

type SQLiteStore struct {
	DBPath string
	db     *sql.DB
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".agentfleet/agentfleet.db"
	}
	return &SQLiteStore{DBPath: dbPath}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return errors.Wrap(err, "create db dir")
	}
	db, err := sql.Open("sqlite", s.DBPath)
	if err != nil {
		return errors.Wrapf(err, "open sqlite %s", s.DBPath)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "set WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "set busy_timeout")
	}

	schema := `
CREATE TABLE IF NOT EXISTS workers (
  id TEXT PRIMARY KEY,
  workspace_path TEXT NOT NULL DEFAULT '',
  repo_path TEXT NOT NULL DEFAULT '',
  repo_url TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  task_text TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  last_updated TEXT NOT NULL,
  output_snapshot TEXT NOT NULL DEFAULT '',
  progress TEXT NOT NULL DEFAULT '',
  thought TEXT NOT NULL DEFAULT '',
  future TEXT NOT NULL DEFAULT '',
  last_action TEXT NOT NULL DEFAULT '',
  progress_history TEXT NOT NULL DEFAULT '[]',
  thought_history TEXT NOT NULL DEFAULT '[]',
  acceptance_criteria TEXT NOT NULL DEFAULT '',
  last_critique TEXT NOT NULL DEFAULT '',
  publication TEXT NOT NULL DEFAULT '',
  publication_handle TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT ''
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "apply schema")
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SaveWorker(record model.WorkerRecord) error {
	progressHistory, err := json.Marshal(record.ProgressHistory)
	if err != nil {
		return errors.Wrap(err, "marshal progress history")
	}
	thoughtHistory, err := json.Marshal(record.ThoughtHistory)
	if err != nil {
		return errors.Wrap(err, "marshal thought history")
	}
	publication, err := marshalOptional(record.Publication)
	if err != nil {
		return errors.Wrap(err, "marshal publication")
	}
	handle, err := marshalOptional(record.PublicationHandle)
	if err != nil {
		return errors.Wrap(err, "marshal publication handle")
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO workers
  (id, workspace_path, repo_path, repo_url, branch, task_text, status, created_at, last_updated,
   output_snapshot, progress, thought, future, last_action, progress_history, thought_history,
   acceptance_criteria, last_critique, publication, publication_handle, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.WorkspacePath,
		record.RepoPath,
		record.RepoURL,
		record.Branch,
		record.TaskText,
		string(record.Status),
		record.CreatedAt.Format(time.RFC3339),
		record.LastUpdated.Format(time.RFC3339),
		record.OutputSnapshot,
		record.Progress,
		record.Thought,
		record.Future,
		record.LastAction,
		string(progressHistory),
		string(thoughtHistory),
		record.AcceptanceCriteria,
		record.LastCritique,
		publication,
		handle,
		record.LastError,
	)
	return errors.Wrapf(err, "save worker %s", record.ID)
}

func (s *SQLiteStore) GetWorker(id string) (model.WorkerRecord, error) {
	row := s.db.QueryRow(selectColumns+" FROM workers WHERE id = ?", id)
	record, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return model.WorkerRecord{}, ErrNotFound
	}
	if err != nil {
		return model.WorkerRecord{}, errors.Wrapf(err, "get worker %s", id)
	}
	return record, nil
}

func (s *SQLiteStore) ListWorkers() ([]model.WorkerRecord, error) {
	rows, err := s.db.Query(selectColumns + " FROM workers ORDER BY created_at, id")
	if err != nil {
		return nil, errors.Wrap(err, "list workers")
	}
	defer rows.Close()

	out := []model.WorkerRecord{}
	for rows.Next() {
		record, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan worker row")
		}
		out = append(out, record)
	}
	return out, errors.Wrap(rows.Err(), "iterate workers")
}

// DeleteWorker removes the record and reports whether it existed.
func (s *SQLiteStore) DeleteWorker(id string) (bool, error) {
	result, err := s.db.Exec("DELETE FROM workers WHERE id = ?", id)
	if err != nil {
		return false, errors.Wrapf(err, "delete worker %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete worker rows affected")
	}
	return affected > 0, nil
}

const selectColumns = `SELECT id, workspace_path, repo_path, repo_url, branch, task_text, status,
  created_at, last_updated, output_snapshot, progress, thought, future, last_action,
  progress_history, thought_history, acceptance_criteria, last_critique,
  publication, publication_handle, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (model.WorkerRecord, error) {
	var record model.WorkerRecord
	var status, createdAt, lastUpdated string
	var progressHistory, thoughtHistory, publication, handle string
	err := row.Scan(
		&record.ID,
		&record.WorkspacePath,
		&record.RepoPath,
		&record.RepoURL,
		&record.Branch,
		&record.TaskText,
		&status,
		&createdAt,
		&lastUpdated,
		&record.OutputSnapshot,
		&record.Progress,
		&record.Thought,
		&record.Future,
		&record.LastAction,
		&progressHistory,
		&thoughtHistory,
		&record.AcceptanceCriteria,
		&record.LastCritique,
		&publication,
		&handle,
		&record.LastError,
	)
	if err != nil {
		return model.WorkerRecord{}, err
	}
	record.Status = model.WorkerStatus(status)
	record.CreatedAt = parseTime(createdAt)
	record.LastUpdated = parseTime(lastUpdated)
	if err := json.Unmarshal([]byte(progressHistory), &record.ProgressHistory); err != nil {
		return model.WorkerRecord{}, errors.Wrap(err, "parse progress history")
	}
	if err := json.Unmarshal([]byte(thoughtHistory), &record.ThoughtHistory); err != nil {
		return model.WorkerRecord{}, errors.Wrap(err, "parse thought history")
	}
	if strings.TrimSpace(publication) != "" {
		record.Publication = &model.PublicationMetadata{}
		if err := json.Unmarshal([]byte(publication), record.Publication); err != nil {
			return model.WorkerRecord{}, errors.Wrap(err, "parse publication")
		}
	}
	if strings.TrimSpace(handle) != "" {
		record.PublicationHandle = &model.PublicationHandle{}
		if err := json.Unmarshal([]byte(handle), record.PublicationHandle); err != nil {
			return model.WorkerRecord{}, errors.Wrap(err, "parse publication handle")
		}
	}
	return record, nil
}

func marshalOptional(v any) (string, error) {
	switch typed := v.(type) {
	case *model.PublicationMetadata:
		if typed == nil {
			return "", nil
		}
	case *model.PublicationHandle:
		if typed == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}
	}
	return t
}

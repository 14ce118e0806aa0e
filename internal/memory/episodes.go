package memory

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"guppi/internal/types"
)

// ErrEpisodeNotFound means no archive entry carries the given id.
var ErrEpisodeNotFound = errors.New("memory: episode not found")

// Episodes is the tier-1 archive: immutable summaries in sqlite, with
// the raw turns each summary replaced parked in cold JSONL files so a
// summary can be unfolded on demand.
type Episodes struct {
	db         *sql.DB
	archiveDir string
}

// NewEpisodes attaches the episode tables to an open database and
// prepares the cold archive directory.
func NewEpisodes(db *sql.DB, archiveDir string) (*Episodes, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	created_at TEXT NOT NULL,
	model TEXT NOT NULL,
	source_archive TEXT NOT NULL,
	turn_count INTEGER NOT NULL,
	summary TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at DESC);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("episode schema: %w", err)
	}
	return &Episodes{db: db, archiveDir: archiveDir}, nil
}

// Stage writes the raw turns for an upcoming episode to its cold file
// and returns the path. Staging is safe to run before the hot log is
// trimmed; an orphaned cold file is recoverable noise, lost turns are
// not.
func (e *Episodes) Stage(id string, turns []types.Turn) (string, error) {
	coldPath := filepath.Join(e.archiveDir, id+".jsonl")
	if err := writeTurnFile(coldPath, turns); err != nil {
		return "", err
	}
	return coldPath, nil
}

// Record inserts the summary row for a staged episode. SourceArchive and
// TurnCount must already be set by the caller.
func (e *Episodes) Record(ctx context.Context, ep types.Episode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO episodes (id, agent, created_at, model, source_archive, turn_count, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Agent, ep.CreatedAt.Format(timeLayout), ep.Model,
		ep.SourceArchive, ep.TurnCount, ep.Summary)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// Archive stages the turns and records the episode in one step, cold
// file first so a crash between the two loses only the summary.
func (e *Episodes) Archive(ctx context.Context, ep types.Episode, turns []types.Turn) error {
	coldPath, err := e.Stage(ep.ID, turns)
	if err != nil {
		return err
	}
	ep.SourceArchive = coldPath
	ep.TurnCount = len(turns)
	return e.Record(ctx, ep)
}

// Get returns one episode summary.
func (e *Episodes) Get(ctx context.Context, id string) (types.Episode, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT id, agent, created_at, model, source_archive, turn_count, summary
		 FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Episode{}, fmt.Errorf("%w: %s", ErrEpisodeNotFound, id)
	}
	return ep, err
}

// Recent returns the newest n episode summaries, newest first.
func (e *Episodes) Recent(ctx context.Context, n int) ([]types.Episode, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, agent, created_at, model, source_archive, turn_count, summary
		 FROM episodes ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var out []types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Unfold loads the raw turns an episode summarized.
func (e *Episodes) Unfold(ctx context.Context, id string) ([]types.Turn, error) {
	ep, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(ep.SourceArchive)
	if err != nil {
		return nil, fmt.Errorf("open cold archive: %w", err)
	}
	defer f.Close()

	var turns []types.Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var t types.Turn
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			return nil, fmt.Errorf("decode archived turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, sc.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (types.Episode, error) {
	var ep types.Episode
	var created string
	if err := row.Scan(&ep.ID, &ep.Agent, &created, &ep.Model, &ep.SourceArchive, &ep.TurnCount, &ep.Summary); err != nil {
		return ep, err
	}
	ts, err := time.Parse(timeLayout, created)
	if err != nil {
		return ep, fmt.Errorf("episode timestamp: %w", err)
	}
	ep.CreatedAt = ts
	return ep, nil
}

func writeTurnFile(path string, turns []types.Turn) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("archive temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encode archived turn: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write archive: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

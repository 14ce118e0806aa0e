package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store bundles every memory tier for one agent under a single
// filesystem root:
//
//	<root>/log.jsonl        hot turn log
//	<root>/memory.db        episodes, vectors, todos
//	<root>/archives/        cold raw-turn files
//	<root>/clipboard.json   scratchpad
type Store struct {
	Turns     *TurnLog
	Episodes  *Episodes
	Index     *SemanticIndex
	Todos     *Todos
	Clipboard *Clipboard

	db *sql.DB
}

// Options configures Open.
type Options struct {
	Root                string
	EmbedModel          string
	ClipboardMaxEntries int
	Logger              *zap.Logger
}

// Open builds the full store. It returns the ids of any turns recovered
// from a previous crash so the caller can synthesize Ghosted events.
func Open(opts Options) (*Store, []string, error) {
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("memory root: %w", err)
	}

	turns, ghosts, err := OpenTurnLog(filepath.Join(opts.Root, "log.jsonl"), opts.Logger)
	if err != nil {
		return nil, nil, err
	}

	db, err := openDB(filepath.Join(opts.Root, "memory.db"))
	if err != nil {
		turns.Close()
		return nil, nil, err
	}

	episodes, err := NewEpisodes(db, filepath.Join(opts.Root, "archives"))
	if err != nil {
		turns.Close()
		db.Close()
		return nil, nil, err
	}
	index, err := NewSemanticIndex(db, opts.EmbedModel)
	if err != nil {
		turns.Close()
		db.Close()
		return nil, nil, err
	}
	todos, err := NewTodos(db)
	if err != nil {
		turns.Close()
		db.Close()
		return nil, nil, err
	}
	clip, err := OpenClipboard(filepath.Join(opts.Root, "clipboard.json"), opts.ClipboardMaxEntries)
	if err != nil {
		turns.Close()
		db.Close()
		return nil, nil, err
	}

	return &Store{
		Turns:     turns,
		Episodes:  episodes,
		Index:     index,
		Todos:     todos,
		Clipboard: clip,
		db:        db,
	}, ghosts, nil
}

// Close releases the hot-log handle and the database.
func (s *Store) Close() error {
	err := s.Turns.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

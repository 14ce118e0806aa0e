package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"guppi/internal/types"
)

// ErrModelMismatch means a vector carried a different embedding model
// identity than the index is pinned to. Mixing models silently corrupts
// every similarity score, so this is always a hard error.
var ErrModelMismatch = errors.New("memory: embedding model mismatch")

// SemanticIndex is the tier-2 store: one vector per episode, pinned to a
// single embedding model. Search is brute-force cosine over all rows,
// which is exact and fast at per-agent scale (hundreds of episodes).
type SemanticIndex struct {
	db    *sql.DB
	model string
}

// NewSemanticIndex attaches the vector table and pins the index to the
// configured embedding model.
func NewSemanticIndex(db *sql.DB, model string) (*SemanticIndex, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	id TEXT PRIMARY KEY,
	episode_id TEXT NOT NULL UNIQUE,
	model TEXT NOT NULL,
	dims INTEGER NOT NULL,
	vector BLOB NOT NULL,
	created_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vector schema: %w", err)
	}
	return &SemanticIndex{db: db, model: model}, nil
}

// Model reports the embedding model identity the index accepts.
func (s *SemanticIndex) Model() string { return s.model }

// Put stores an episode vector. The record's model identity must match
// the index pin.
func (s *SemanticIndex) Put(ctx context.Context, rec types.SemanticRecord) error {
	if rec.Model != s.model {
		return fmt.Errorf("%w: index pinned to %q, record carries %q", ErrModelMismatch, s.model, rec.Model)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (id, episode_id, model, dims, vector, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EpisodeID, rec.Model, len(rec.Vector),
		encodeVector(rec.Vector), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// Match is one search hit.
type Match struct {
	EpisodeID string
	Score     float64
}

// Search ranks all stored vectors against the query by cosine similarity
// and returns the topK episode ids. A query embedded by a different
// model returns ErrModelMismatch.
func (s *SemanticIndex) Search(ctx context.Context, query []float32, queryModel string, topK int) ([]Match, error) {
	if queryModel != s.model {
		return nil, fmt.Errorf("%w: index pinned to %q, query embedded by %q", ErrModelMismatch, s.model, queryModel)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, vector FROM vectors WHERE model = ?`, s.model)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var episodeID string
		var blob []byte
		if err := rows.Scan(&episodeID, &blob); err != nil {
			return nil, err
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			continue
		}
		matches = append(matches, Match{EpisodeID: episodeID, Score: Cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

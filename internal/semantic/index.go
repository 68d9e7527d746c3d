// Package semantic provides an embedding-backed similarity index for the
// Knowledge Store's QueryKnowledge operation. It is a thin layer over
// database/sql and the pure-Go modernc.org/sqlite driver: embeddings are
// stored as little-endian float32 BLOBs in a single table, and a
// registered scalar function computes cosine distance inside SQLite so
// the ORDER BY / LIMIT top-K selection happens in the engine rather than
// in application code.
package semantic

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	sqlite "modernc.org/sqlite"
)

var registerOnce sync.Once

// registerCosineDistance installs vector_distance_cos(a, b) once per
// process. Safe to call from multiple Index instances.
func registerCosineDistance() {
	registerOnce.Do(func() {
		_ = sqlite.RegisterDeterministicScalarFunction("vector_distance_cos", 2, cosineDistance)
	})
}

// cosineDistance returns 1-cosine_similarity(a, b), so smaller is closer.
func cosineDistance(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vector_distance_cos: expects 2 arguments")
	}
	a, err := decodeVector(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeVector(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return float64(2), nil
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return float64(2), nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

func decodeVector(v driver.Value) ([]float32, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("vector_distance_cos: expected BLOB, got %T", v)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector_distance_cos: blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// EncodeVector serializes a float32 embedding to its little-endian BLOB
// form, the same layout decodeVector expects back.
func EncodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// Match is one top-K result from a similarity search.
type Match struct {
	Slot     string
	Key      string
	Distance float64
}

// Index is a per-process embedding store backed by a single SQLite file.
// One Index instance is shared across every slot; rows are partitioned by
// the slot column.
type Index struct {
	db *sql.DB
}

// Open creates or reuses the embedding table at path.
func Open(path string) (*Index, error) {
	registerCosineDistance()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("semantic: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	const schema = `CREATE TABLE IF NOT EXISTS embeddings (
		slot      TEXT NOT NULL,
		key       TEXT NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (slot, key)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("semantic: create schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying SQLite handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert stores or replaces the embedding for (slot, key).
func (idx *Index) Upsert(ctx context.Context, slot, key string, embedding []float32) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO embeddings (slot, key, embedding) VALUES (?, ?, ?)
		 ON CONFLICT(slot, key) DO UPDATE SET embedding = excluded.embedding`,
		slot, key, EncodeVector(embedding))
	if err != nil {
		return fmt.Errorf("semantic: upsert %s/%s: %w", slot, key, err)
	}
	return nil
}

// Delete removes the embedding for (slot, key), if present.
func (idx *Index) Delete(ctx context.Context, slot, key string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM embeddings WHERE slot = ? AND key = ?`, slot, key)
	if err != nil {
		return fmt.Errorf("semantic: delete %s/%s: %w", slot, key, err)
	}
	return nil
}

// TopK returns the k closest keys within slot to query, ordered by
// ascending cosine distance (most similar first).
func (idx *Index) TopK(ctx context.Context, slot string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := idx.db.QueryContext(ctx,
		`SELECT key, vector_distance_cos(embedding, ?) AS dist
		 FROM embeddings WHERE slot = ? ORDER BY dist ASC LIMIT ?`,
		EncodeVector(query), slot, k)
	if err != nil {
		return nil, fmt.Errorf("semantic: top-%d query on slot %s: %w", k, slot, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Match
	for rows.Next() {
		var m Match
		m.Slot = slot
		if err := rows.Scan(&m.Key, &m.Distance); err != nil {
			return nil, fmt.Errorf("semantic: scan row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

package db

import (
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// EmbeddingDim is the fixed dimension of the similarity vector column.
const EmbeddingDim = 16

// Vector is a fixed-dimension numeric vector stored in a pgvector
// column. It serializes to the pgvector literal form "[x,y,...]".
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', 6, 32)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var raw string
	switch s := src.(type) {
	case string:
		raw = s
	case []byte:
		raw = string(s)
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// GormDataType declares the column type for migrations.
func (Vector) GormDataType() string {
	return fmt.Sprintf("vector(%d)", EmbeddingDim)
}

// Encode derives a deterministic embedding from a row's text
// representation. The same text always yields the same vector, which is
// all the similarity search needs; there is no semantic model behind
// it.
func Encode(text string) Vector {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	if state == 0 {
		state = 0x9e3779b97f4a7c15
	}

	out := make(Vector, EmbeddingDim)
	for i := range out {
		// xorshift64 keeps the sequence deterministic per seed.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		// Map to [-1, 1) with limited precision so round-trips through
		// the database compare equal.
		f := float64(int64(state%2000)-1000) / 1000
		out[i] = float32(f)
	}
	return out
}

package store

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Digest hashes the binding table in name order. Two databases with the
// same bindings have the same digest.
func (s *Store) Digest() ([32]byte, error) {
	var sum [32]byte

	h, err := blake2b.New256(nil)
	if err != nil {
		return sum, fmt.Errorf("init digest: %w", err)
	}

	rows, err := s.db.Query(`SELECT name, COALESCE(value, '') FROM system ORDER BY name`)
	if err != nil {
		return sum, fmt.Errorf("query digest: %w", err)
	}
	defer rows.Close()

	var lenBuf [8]byte
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return sum, fmt.Errorf("scan digest: %w", err)
		}
		for _, field := range []string{name, value} {
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
			h.Write(lenBuf[:])
			h.Write([]byte(field))
		}
	}
	if err := rows.Err(); err != nil {
		return sum, fmt.Errorf("iterate digest: %w", err)
	}

	copy(sum[:], h.Sum(nil))
	return sum, nil
}

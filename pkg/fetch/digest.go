package fetch

import (
	"crypto/sha256"
	"hash"

	"github.com/rotisserie/eris"
	"github.com/zeebo/blake3"

	"github.com/ngld/cellar/pkg/recipe"
)

// NewHash returns a hasher for the given checksum algorithm
func NewHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case recipe.SHA256, "":
		return sha256.New(), nil
	case recipe.BLAKE3:
		return blake3.New(), nil
	}

	return nil, eris.Errorf("unsupported checksum algorithm %s", algorithm)
}

package recipe

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	gob.Register(&Archive{})
	gob.Register(&VersionControl{})
}

// cacheStamp identifies the state of a recipe file; a changed stamp invalidates the cache entry
func cacheStamp(file string) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d#%d", info.Size(), info.ModTime().UnixNano()), nil
}

func cachePath(cacheDir, file string) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}

	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(cacheDir, hex.EncodeToString(sum[:8])+".gob")
}

// WriteCache stores the recipes parsed from a file together with the file's stamp
func WriteCache(file string, stamp string, recipes []*Recipe) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(stamp)
	if err != nil {
		return err
	}

	return encoder.Encode(recipes)
}

// ReadCache returns the stamp and recipes stored by WriteCache
func ReadCache(file string) (string, []*Recipe, error) {
	handle, err := os.Open(file)
	if err != nil {
		return "", nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var stamp string
	err = decoder.Decode(&stamp)
	if err != nil {
		return "", nil, err
	}

	var result []*Recipe
	err = decoder.Decode(&result)
	if err != nil {
		return stamp, nil, err
	}

	return stamp, result, nil
}

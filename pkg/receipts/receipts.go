// Package receipts records which recipes have been installed into a prefix.
package receipts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var receiptBucket = []byte("receipts")

// Receipt describes a successful install
type Receipt struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Revision     int       `json:"revision"`
	Head         bool      `json:"head"`
	Source       string    `json:"source"`
	Dependencies []string  `json:"dependencies"`
	InstalledAt  time.Time `json:"installed_at"`
}

// Store is a bbolt backed receipt database
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the receipt database at dbPath
func Open(dbPath string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(dbPath), 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(dbPath))
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(receiptBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize receipt database")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores r, replacing any previous receipt with the same name
func (s *Store) Record(r *Receipt) error {
	encoded, err := json.Marshal(r)
	if err != nil {
		return eris.Wrapf(err, "failed to encode receipt for %s", r.Name)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(receiptBucket).Put([]byte(r.Name), encoded)
	})
}

// Get returns the receipt for name or nil if name isn't installed
func (s *Store) Get(name string) (*Receipt, error) {
	var result *Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		item := tx.Bucket(receiptBucket).Get([]byte(name))
		if item == nil {
			return nil
		}

		result = new(Receipt)
		return json.Unmarshal(item, result)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read receipt for %s", name)
	}
	return result, nil
}

// Has reports whether a receipt for name exists
func (s *Store) Has(name string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(receiptBucket).Get([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "failed to look up receipt for %s", name)
	}
	return found, nil
}

// List returns all receipts sorted by name
func (s *Store) List() ([]*Receipt, error) {
	result := make([]*Receipt, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(receiptBucket).ForEach(func(k, v []byte) error {
			r := new(Receipt)
			err := json.Unmarshal(v, r)
			if err != nil {
				return eris.Wrapf(err, "failed to decode receipt for %s", string(k))
			}

			result = append(result, r)
			return nil
		})
	})
	return result, err
}

// Remove deletes the receipt for name. Removing a missing receipt is not an error.
func (s *Store) Remove(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(receiptBucket).Delete([]byte(name))
	})
}

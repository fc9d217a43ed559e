// Package creds manages the durable credential directory for the session.
//
// Each session identifier owns one directory under the data dir. The
// directory holds the transport's sqlite credential datastore plus the
// latest opaque pairing snapshot. Removing the directory is the system's
// reset mechanism: the next connection attempt starts a fresh pairing.
package creds

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// snapshotFile is the file name of the opaque pairing snapshot blob.
const snapshotFile = "session.json"

// databaseFile is the file name of the transport credential datastore.
const databaseFile = "whatsmeow.db"

// Store persists and restores pairing credentials for one session.
type Store struct {
	dir string
}

// NewStore returns a store rooted at <dataDir>/<sessionID>.
// The directory is not created until Ensure is called.
func NewStore(dataDir, sessionID string) *Store {
	return &Store{dir: filepath.Join(dataDir, sessionID)}
}

// Dir returns the session credential directory path.
func (s *Store) Dir() string {
	return s.dir
}

// DatabasePath returns the path of the transport credential datastore.
func (s *Store) DatabasePath() string {
	return filepath.Join(s.dir, databaseFile)
}

// Ensure creates the credential directory if it does not exist.
// Permissions are restricted to the owner; the directory holds secrets.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	return nil
}

// Exists reports whether the credential directory is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// Save persists an opaque credential snapshot blob verbatim.
func (s *Store) Save(blob []byte) error {
	if err := s.Ensure(); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, snapshotFile), blob, 0600); err != nil {
		return fmt.Errorf("write credential snapshot: %w", err)
	}
	return nil
}

// Load reads the stored credential snapshot blob.
// Returns os.ErrNotExist wrapped if no snapshot has been saved.
func (s *Store) Load() ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		return nil, fmt.Errorf("read credential snapshot: %w", err)
	}
	return blob, nil
}

// Purge removes the whole credential directory, including the transport
// datastore. The next connection attempt will re-trigger pairing.
func (s *Store) Purge() error {
	if !s.Exists() {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove credential directory: %w", err)
	}
	log.Printf("creds: purged credential directory %s", s.dir)
	return nil
}

package vm

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ---------------------------------------------------------------------------
// Artifact cache
// ---------------------------------------------------------------------------

// ErrArtifactNotFound indicates no artifact is cached for a program.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactCache stores ahead-of-time artifacts in SQLite, keyed by the
// program hash and target architecture, so repeated runs of the same
// program skip compilation.
type ArtifactCache struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenArtifactCache opens (or creates) a cache database.
func OpenArtifactCache(dbPath string) (*ArtifactCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifact cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		program_hash BLOB NOT NULL,
		arch TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		blob BLOB NOT NULL,
		PRIMARY KEY (program_hash, arch)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating artifacts table: %w", err)
	}
	return &ArtifactCache{db: db}, nil
}

// Put stores an artifact, replacing any previous one for the same
// program and architecture.
func (c *ArtifactCache) Put(a *Artifact) error {
	blob, err := a.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO artifacts (program_hash, arch, artifact_id, blob) VALUES (?, ?, ?, ?)`,
		a.ProgramHash[:], a.Arch, a.ID.String(), blob)
	if err != nil {
		return fmt.Errorf("storing artifact: %w", err)
	}
	return nil
}

// Get loads the cached artifact for a program hash.
func (c *ArtifactCache) Get(programHash [32]byte) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var blob []byte
	err := c.db.QueryRow(
		`SELECT blob FROM artifacts WHERE program_hash = ? AND arch = ?`,
		programHash[:], ArtifactArch).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading artifact: %w", err)
	}
	return UnmarshalArtifact(blob)
}

// Delete drops the cached artifact for a program hash. Deleting a
// missing entry is a no-op.
func (c *ArtifactCache) Delete(programHash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`DELETE FROM artifacts WHERE program_hash = ? AND arch = ?`,
		programHash[:], ArtifactArch)
	return err
}

// Close closes the underlying database.
func (c *ArtifactCache) Close() error { return c.db.Close() }

// CompileCached returns the cached artifact for p, compiling and
// storing one on a miss.
func (c *AotCompiler) CompileCached(p *Program, cache *ArtifactCache) (*Artifact, error) {
	hash := p.Hash()
	if a, err := cache.Get(hash); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrArtifactNotFound) {
		return nil, err
	}
	a, err := c.Compile(p)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(a); err != nil {
		return nil, err
	}
	return a, nil
}

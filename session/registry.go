package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"

	"github.com/spin-stack/virtbox/internal/config"
)

// Record is the registry entry for one session. The registry stores only
// metadata: live state (pipes, output, status) is the session directory.
type Record struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	ServerPID int       `json:"server_pid"`
	Dir       string    `json:"dir"`
	Readers   []string  `json:"readers"`
	CreatedAt time.Time `json:"created_at"`
}

const registryBucket = "sessions"

var (
	// Registry DB connections are shared per path within the process to
	// avoid bolt file-lock contention between sessions.
	regMu  sync.Mutex
	regDBs = make(map[string]*sharedRegDB)
)

type sharedRegDB struct {
	db   *bolt.DB
	refs int
}

type registry struct {
	path string
	db   *bolt.DB
}

func openRegistry(path string) (*registry, error) {
	regMu.Lock()
	defer regMu.Unlock()

	if e, ok := regDBs[path]; ok {
		e.refs++
		return &registry{path: path, db: e.db}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(registryBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry bucket: %w", err)
	}

	regDBs[path] = &sharedRegDB{db: db, refs: 1}
	return &registry{path: path, db: db}, nil
}

func (r *registry) Close() error {
	regMu.Lock()
	defer regMu.Unlock()

	e, ok := regDBs[r.path]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(regDBs, r.path)
	return e.db.Close()
}

func (r *registry) put(rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(registryBucket)).Put([]byte(rec.ID), raw)
	})
}

func (r *registry) get(id string) (*Record, error) {
	var rec *Record
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(registryBucket)).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("session %q: %w", id, errdefs.ErrNotFound)
		}
		rec = &Record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *registry) delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(registryBucket)).Delete([]byte(id))
	})
}

func (r *registry) list() ([]Record, error) {
	var recs []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(registryBucket)).ForEach(func(_, raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func registryPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "sessions.db")
}

// List returns the sessions currently recorded in the registry.
func List(ctx context.Context) ([]Record, error) {
	cfg, err := config.Get()
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(registryPath(cfg))
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return reg.list()
}

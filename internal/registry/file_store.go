package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists records to a JSON file. Suitable for local dev and
// single-instance deployments; swap in SQLiteStore or PostgresStore for
// anything shared.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]EscrowRecord
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]EscrowRecord),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Add(_ context.Context, rec EscrowRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.EscrowAddress = NormalizeAddress(rec.EscrowAddress)
	key := Key(rec.EscrowAddress, rec.Network)
	prev, existed := f.data[key]
	if existed {
		rec.CreatedAt = prev.CreatedAt
		rec.LastEmailSent = prev.LastEmailSent
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	f.data[key] = rec
	if err := f.persist(); err != nil {
		// memory must not hold records the file never stored
		if existed {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *FileStore) Remove(_ context.Context, address, network string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Key(address, network)
	prev, ok := f.data[key]
	if !ok {
		return false, nil
	}
	delete(f.data, key)
	if err := f.persist(); err != nil {
		f.data[key] = prev
		return false, err
	}
	return true, nil
}

func (f *FileStore) Get(_ context.Context, address, network string) (*EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[Key(address, network)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) ListByNetwork(_ context.Context, network string) ([]EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []EscrowRecord
	for _, rec := range f.data {
		if rec.Network == network {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *FileStore) UpdateLastNotified(_ context.Context, address, network string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Key(address, network)
	prev, ok := f.data[key]
	if !ok {
		return ErrNotFound
	}
	rec := prev
	rec.LastEmailSent = &ts
	f.data[key] = rec
	if err := f.persist(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// Source is a durable (or not) medium a keystore is loaded from and saved to.
type Source interface {
	// Exists reports whether there is anything to load.
	Exists() bool
	// Load decodes the stored keystore and attaches it to the source.
	Load() (*KeyStore, error)
	// Save rewrites the full keystore.
	Save(ks *KeyStore) error
	// Writable reports whether Save can succeed.
	Writable() bool
	String() string
}

// Open loads the keystore from src, or returns an empty one attached to src
// when nothing is stored yet.
func Open(src Source, typ Type, password string) (*KeyStore, error) {
	if src.Exists() {
		return src.Load()
	}
	ks := New(typ, password)
	ks.Attach(src)
	return ks, nil
}

// FileSource stores a keystore in a single file. The file and any directory
// it creates are restricted to the owner where the platform allows.
type FileSource struct {
	Path     string
	Type     Type
	Password string
}

func (s *FileSource) Exists() bool {
	info, err := os.Stat(s.Path)
	return err == nil && info.Mode().IsRegular()
}

func (s *FileSource) Load() (*KeyStore, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", s.Path, err)
	}
	ks, err := Decode(data, s.Type, s.Password)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", s.Path, err)
	}
	ks.Attach(s)
	return ks, nil
}

func (s *FileSource) Save(ks *KeyStore) error {
	data, err := ks.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp keystore: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keystore: %w", err)
	}
	_ = restrict(tmpName, filePerm)
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replace keystore %s: %w", s.Path, err)
	}
	return nil
}

func (s *FileSource) Writable() bool { return true }

func (s *FileSource) String() string { return "file:" + s.Path }

// ensureDir creates dir owner-only. Existing directories are left alone.
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create keystore directory %s: %w", dir, err)
	}
	// best effort: platforms without permission bits still get the directory
	_ = restrict(dir, dirPerm)
	return nil
}

// ResourceSource reads a keystore bundled in a file system, such as an
// embedded resource. It cannot be saved.
type ResourceSource struct {
	FS       fs.FS
	Name     string
	Type     Type
	Password string
}

func (s *ResourceSource) Exists() bool {
	_, err := fs.Stat(s.FS, s.Name)
	return err == nil
}

func (s *ResourceSource) Load() (*KeyStore, error) {
	data, err := fs.ReadFile(s.FS, s.Name)
	if err != nil {
		return nil, fmt.Errorf("read keystore resource %s: %w", s.Name, err)
	}
	ks, err := Decode(data, s.Type, s.Password)
	if err != nil {
		return nil, fmt.Errorf("keystore resource %s: %w", s.Name, err)
	}
	ks.Attach(s)
	return ks, nil
}

func (s *ResourceSource) Save(*KeyStore) error {
	return fmt.Errorf("%w: %s", ErrReadOnly, s)
}

func (s *ResourceSource) Writable() bool { return false }

func (s *ResourceSource) String() string { return "resource:" + s.Name }

// BoltSource keeps the encoded keystore as one value in a bbolt database.
type BoltSource struct {
	Path     string
	Bucket   string
	Key      string
	Type     Type
	Password string
}

const (
	defaultBoltBucket = "keystores"
	defaultBoltKey    = "default"
	boltOpenTimeout   = 5 * time.Second
)

func (s *BoltSource) bucket() []byte {
	if s.Bucket == "" {
		return []byte(defaultBoltBucket)
	}
	return []byte(s.Bucket)
}

func (s *BoltSource) key() []byte {
	if s.Key == "" {
		return []byte(defaultBoltKey)
	}
	return []byte(s.Key)
}

func (s *BoltSource) open(readOnly bool) (*bolt.DB, error) {
	return bolt.Open(s.Path, filePerm, &bolt.Options{Timeout: boltOpenTimeout, ReadOnly: readOnly})
}

func (s *BoltSource) read() ([]byte, error) {
	db, err := s.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var data []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket())
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(s.key())
		if v == nil {
			return ErrNotFound
		}
		// values are only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltSource) Exists() bool {
	if _, err := os.Stat(s.Path); err != nil {
		return false
	}
	_, err := s.read()
	return err == nil
}

func (s *BoltSource) Load() (*KeyStore, error) {
	data, err := s.read()
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", s, err)
	}
	ks, err := Decode(data, s.Type, s.Password)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", s, err)
	}
	ks.Attach(s)
	return ks, nil
}

func (s *BoltSource) Save(ks *KeyStore) error {
	data, err := ks.Encode()
	if err != nil {
		return err
	}
	if err := ensureDir(filepath.Dir(s.Path)); err != nil {
		return err
	}
	db, err := s.open(false)
	if err != nil {
		return fmt.Errorf("open %s: %w", s, err)
	}
	defer db.Close()
	_ = restrict(s.Path, filePerm)
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket())
		if err != nil {
			return err
		}
		return b.Put(s.key(), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", s, err)
	}
	return nil
}

func (s *BoltSource) Writable() bool { return true }

func (s *BoltSource) String() string { return "bolt:" + s.Path + "#" + string(s.bucket()) + "/" + string(s.key()) }

// MemorySource keeps the encoded keystore in process memory. Nothing survives
// a restart.
type MemorySource struct {
	Type     Type
	Password string

	mu   sync.Mutex
	data []byte
}

func (s *MemorySource) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data != nil
}

func (s *MemorySource) Load() (*KeyStore, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return nil, errors.New("memory keystore is empty")
	}
	ks, err := Decode(data, s.Type, s.Password)
	if err != nil {
		return nil, err
	}
	ks.Attach(s)
	return ks, nil
}

func (s *MemorySource) Save(ks *KeyStore) error {
	data, err := ks.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *MemorySource) Writable() bool { return true }

func (s *MemorySource) String() string { return "memory" }

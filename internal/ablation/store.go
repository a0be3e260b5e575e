package ablation

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Store persists ablation sessions under root (".whirr/ablations" in the
// default project layout): one JSON document per session plus an index
// document mapping name -> session id. Writes go through a temp file and
// rename so a reader never observes a partially written document.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore builds a Store rooted at root, creating it lazily on first write.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "index.json") }

func (s *Store) sessionPath(id string) string { return filepath.Join(s.root, id+".json") }

// ConfigsDir is where materialized per-(condition,replicate) configs live:
// <root>/<session_id>/configs/<condition>-<r>.json.
func (s *Store) ConfigsDir(sessionID string) string {
	return filepath.Join(s.root, sessionID, "configs")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("ablation store root is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type index map[string]string // name -> session id

func (s *Store) loadIndex() (index, error) {
	idx := index{}
	if err := readJSON(s.indexPath(), &idx); err != nil {
		if os.IsNotExist(err) {
			return index{}, nil
		}
		return nil, fmt.Errorf("read ablation index: %w", err)
	}
	return idx, nil
}

// CreateSession generates a 6-char lowercase-alphanumeric session id and a
// 32-bit seed_base, registers name -> id in the index, and writes the new
// session document.
func (s *Store) CreateSession(name, metric string, defaultReplicates int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("session name is required")
	}
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if _, exists := idx[name]; exists {
		return nil, fmt.Errorf("ablation session %q already exists", name)
	}

	id, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	seedBase, err := randomSeedBase()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:                id,
		Name:              name,
		Metric:            metric,
		SeedBase:          seedBase,
		Baseline:          map[string]any{},
		Deltas:            map[string]Delta{},
		DefaultReplicates: defaultReplicates,
	}
	if sess.DefaultReplicates <= 0 {
		sess.DefaultReplicates = 20
	}

	if err := writeJSONAtomic(s.sessionPath(id), sess); err != nil {
		return nil, err
	}
	idx[name] = id
	if err := writeJSONAtomic(s.indexPath(), idx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load reads a session by name (via the index) or, if no such name is
// registered, treats nameOrID as a raw session id.
func (s *Store) Load(nameOrID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(nameOrID)
}

func (s *Store) load(nameOrID string) (*Session, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	id := nameOrID
	if mapped, ok := idx[nameOrID]; ok {
		id = mapped
	}
	var sess Session
	if err := readJSON(s.sessionPath(id), &sess); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("ablation session %q not found", nameOrID)
		}
		return nil, fmt.Errorf("read ablation session: %w", err)
	}
	return &sess, nil
}

// Save rewrites a session document in place (overwrite-and-rename).
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.sessionPath(sess.ID), sess)
}

func randomSessionID() (string, error) {
	var b strings.Builder
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(sessionIDAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		b.WriteByte(sessionIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func randomSeedBase() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return 0, fmt.Errorf("generate seed_base: %w", err)
	}
	return uint32(n.Int64()), nil
}

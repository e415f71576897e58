package normalizer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DefaultFlushDelay coalesces mapping writes into one file write per window.
const DefaultFlushDelay = time.Second

// DefaultIdentityTTL is how long a mapping survives without being observed again.
const DefaultIdentityTTL = 30 * 24 * time.Hour

// IdentityStore maps anonymized peer ids to their stable phone-number form.
// Entries live in memory with a TTL and are snapshotted to a JSON file.
type IdentityStore struct {
	entries *cache.Cache
	ttl     time.Duration
	path    string
	delay   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending *time.Timer

	// writeMu serializes snapshot writes, which share one temp file.
	writeMu   sync.Mutex
	writeFile func(path string, data []byte) error
}

type snapshotEntry struct {
	PN        string    `json:"pn"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewIdentityStore returns a store persisting to path. An empty path keeps
// mappings in memory only. A non-positive ttl uses DefaultIdentityTTL.
func NewIdentityStore(path string, ttl time.Duration, logger *zap.Logger) *IdentityStore {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	cleanup := ttl / 2
	if cleanup > time.Hour {
		cleanup = time.Hour
	}
	return &IdentityStore{
		entries:   cache.New(ttl, cleanup),
		ttl:       ttl,
		path:      path,
		delay:     DefaultFlushDelay,
		logger:    logger.Named("identity"),
		writeFile: writeFileAtomic,
	}
}

// Load reads a previous snapshot. A missing file is not an error and expired
// entries are skipped.
func (s *IdentityStore) Load() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot map[string]snapshotEntry
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return err
	}
	now := time.Now()
	for lid, entry := range snapshot {
		remaining := entry.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		if remaining > s.ttl {
			remaining = s.ttl
		}
		s.setFor(lid, entry.PN, remaining)
	}
	s.logger.Info("identity mappings loaded", zap.Int("count", s.entries.ItemCount()))
	return nil
}

// Put records lid -> pn and schedules a snapshot when the mapping changed.
// Observing an unchanged mapping extends its TTL without a write.
// Only anonymized keys and stable values are accepted.
func (s *IdentityStore) Put(lid, pn string) bool {
	if !s.set(lid, pn) {
		return false
	}
	s.schedule()
	return true
}

// Get resolves an anonymized id. Other ids never resolve.
func (s *IdentityStore) Get(jid string) (string, bool) {
	normalized := NormalizeWaID(jid)
	if !IsLID(normalized) {
		return "", false
	}
	v, ok := s.entries.Get(normalized)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Len returns the number of known mappings.
func (s *IdentityStore) Len() int {
	return s.entries.ItemCount()
}

// Flush writes the snapshot now and cancels any pending write.
func (s *IdentityStore) Flush() error {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()
	return s.persist()
}

func (s *IdentityStore) set(lid, pn string) bool {
	return s.setFor(lid, pn, s.ttl)
}

func (s *IdentityStore) setFor(lid, pn string, ttl time.Duration) bool {
	if lid == "" || pn == "" {
		return false
	}
	lid = NormalizeWaID(lid)
	pn = NormalizeWaID(pn)
	if !IsLID(lid) || !isStableServer(pn) {
		return false
	}
	current, ok := s.entries.Get(lid)
	s.entries.Set(lid, pn, ttl)
	return !ok || current.(string) != pn
}

func (s *IdentityStore) schedule() {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return
	}
	s.pending = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		if err := s.persist(); err != nil {
			s.logger.Warn("failed to persist identity mappings", zap.Error(err))
		}
	})
}

func (s *IdentityStore) persist() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	items := s.entries.Items()
	snapshot := make(map[string]snapshotEntry, len(items))
	for k, item := range items {
		snapshot[k] = snapshotEntry{PN: item.Object.(string), ExpiresAt: time.Unix(0, item.Expiration).UTC()}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.writeFile(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

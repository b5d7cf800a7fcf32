// Package persist implements the bridge's two optional persistence
// paths: a JSON snapshot of the control state cache, written atomically
// with rotating backups, and an opt-in SQLite event log for change
// events that must survive a restart.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/cache"
	"github.com/qsysbridge/core/internal/errors"
)

// snapshotEntry is the on-disk shape of one cached control, decoupled
// from cache.ControlState so the file format doesn't break if the
// in-memory struct grows fields.
type snapshotEntry struct {
	Name      string         `json:"name"`
	Value     any            `json:"value"`
	String    string         `json:"string"`
	Position  float64        `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// snapshotFile is the top-level JSON document.
type snapshotFile struct {
	WrittenAt time.Time       `json:"writtenAt"`
	Entries   []snapshotEntry `json:"entries"`
}

// SnapshotStore periodically writes the control state cache to path,
// atomically (write to a temp file, then rename) and with N rotating
// ".bak<N>" backups.
type SnapshotStore struct {
	path    string
	backups int
	logger  *zap.SugaredLogger
}

// NewSnapshotStore builds a store writing to path, keeping backups
// rotating copies (".bak1".."bak<backups>"). backups <= 0 disables
// rotation — only the live file is kept.
func NewSnapshotStore(path string, backups int, logger *zap.SugaredLogger) *SnapshotStore {
	return &SnapshotStore{path: path, backups: backups, logger: logger.Named("persist")}
}

// Save writes every entry currently in c to the snapshot file.
func (s *SnapshotStore) Save(c *cache.Cache) error {
	names := c.Keys()
	states := c.GetMany(names)

	entries := make([]snapshotEntry, 0, len(states))
	for _, name := range names {
		st, ok := states[name]
		if !ok {
			continue
		}
		entries = append(entries, snapshotEntry{
			Name:      st.Name,
			Value:     st.Value,
			String:    st.String,
			Position:  st.Position,
			Timestamp: st.Timestamp,
			Source:    st.Source,
			Metadata:  st.Metadata,
		})
	}

	doc := snapshotFile{WrittenAt: time.Now(), Entries: entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling control state snapshot")
	}

	if err := s.rotateBackups(); err != nil {
		return errors.Wrap(err, "rotating snapshot backups")
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "creating snapshot directory %s", dir)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing snapshot temp file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrapf(err, "renaming snapshot temp file to %s", s.path)
	}

	s.logger.Debugw("wrote control state snapshot", "path", s.path, "entries", len(entries))
	return nil
}

// rotateBackups shifts .bak(N-1) -> .bakN ... current -> .bak1, oldest
// dropped. A missing file at any stage is not an error — an operator's
// first snapshot write has nothing to rotate yet.
func (s *SnapshotStore) rotateBackups() error {
	if s.backups <= 0 {
		return nil
	}
	oldest := s.backupPath(s.backups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		s.logger.Warnw("failed to remove oldest snapshot backup", "path", oldest, "error", err)
	}

	for n := s.backups - 1; n >= 1; n-- {
		from := s.backupPath(n)
		to := s.backupPath(n + 1)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return errors.Wrapf(err, "rotating %s to %s", from, to)
		}
	}

	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "statting snapshot file %s", s.path)
	}
	content, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "reading snapshot file %s for backup", s.path)
	}
	return os.WriteFile(s.backupPath(1), content, 0o600)
}

func (s *SnapshotStore) backupPath(n int) string {
	return s.path + ".bak" + strconv.Itoa(n)
}

// Load reads the snapshot file, if present, and returns the states keyed
// by control name so the caller can repopulate a *cache.Cache at
// startup. A missing file is not an error: it returns an empty map.
func (s *SnapshotStore) Load() (map[string]cache.ControlState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]cache.ControlState{}, nil
		}
		return nil, errors.Wrapf(err, "reading snapshot file %s", s.path)
	}

	var doc snapshotFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing snapshot file %s", s.path)
	}

	states := make(map[string]cache.ControlState, len(doc.Entries))
	for _, e := range doc.Entries {
		states[e.Name] = cache.ControlState{
			Name:      e.Name,
			Value:     e.Value,
			String:    e.String,
			Position:  e.Position,
			Timestamp: e.Timestamp,
			Source:    "cache",
			Metadata:  e.Metadata,
		}
	}
	return states, nil
}

// Run periodically calls Save until stop closes. Errors are logged,
// never fatal to the bridge process.
func (s *SnapshotStore) Run(stop <-chan struct{}, interval time.Duration, c *cache.Cache) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Save(c); err != nil {
				s.logger.Warnw("periodic control state snapshot failed", "error", err)
			}
		}
	}
}

package stage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/metrics"
)

// ErrMalformed marks a staged file whose contents cannot be decoded.
var ErrMalformed = errors.New("malformed staged job")

// Store stages job records under one directory per subscription. Records
// always land via a temporary file and a rename, so readers never observe
// a half-written file.
type Store struct {
	dir          string
	subscription string
	clock        Clock
	logger       *zap.Logger
}

// NewStore returns a store rooted at dir, creating the directory if needed.
func NewStore(dir, subscription string, clock Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Store{
		dir:          dir,
		subscription: subscription,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string {
	return s.dir
}

// Subscription returns the subscription name the store stages for.
func (s *Store) Subscription() string {
	return s.subscription
}

// Stage writes the record to a new staged file and sets job.Path. The file
// name starts with the staging timestamp so a directory listing sorts in
// arrival order. A zero ReceivedAt is filled in from the store clock.
func (s *Store) Stage(job *Job) error {
	now := s.clock.Now()
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = now
	}
	name := fmt.Sprintf("%d_%s_%s.json", now.UnixMilli(), sanitizeID(job.MessageID), shortID())
	job.Path = filepath.Join(s.dir, name)
	return s.write(job)
}

// Update rewrites an already staged record in place.
func (s *Store) Update(job *Job) error {
	if job.Path == "" {
		return fmt.Errorf("job %s has no staged path", job.MessageID)
	}
	return s.write(job)
}

// Remove deletes the staged file. A file already gone is not an error.
func (s *Store) Remove(job *Job) error {
	if job.Path == "" {
		return nil
	}
	if err := os.Remove(job.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staged job %s: %w", job.Path, err)
	}
	return nil
}

// Quarantine renames a staged file out of the sweep's reach by appending a
// .bad suffix. It returns the new path.
func (s *Store) Quarantine(path string) (string, error) {
	bad := path + ".bad"
	if err := os.Rename(path, bad); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	return bad, nil
}

// Load reads one staged record from disk and remembers its path.
func (s *Store) Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staged job %s: %w", path, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode staged job %s: %w", path, errors.Join(ErrMalformed, err))
	}
	job.Path = path
	return &job, nil
}

// Sweep loads every staged record in staging order. Files that cannot be
// read or decoded are quarantined with a .bad suffix and skipped.
func (s *Store) Sweep() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	jobs := make([]*Job, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		job, err := s.Load(path)
		if err != nil {
			bad, qerr := s.Quarantine(path)
			if qerr != nil {
				s.logger.Error("quarantine staged file failed",
					zap.String("path", path), zap.Error(qerr))
				continue
			}
			metrics.IncQuarantined(s.subscription)
			s.logger.Warn("quarantined unreadable staged file",
				zap.String("path", path),
				zap.String("moved_to", bad),
				zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pending counts the staged files currently on disk.
func (s *Store) Pending() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read staging dir %s: %w", s.dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func (s *Store) write(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal staged job %s: %w", job.MessageID, err)
	}
	tmp := job.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write staged job %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, job.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize staged job %s: %w", job.Path, err)
	}
	return nil
}

// sanitizeID keeps message IDs filesystem-safe. Anything outside
// [A-Za-z0-9_-] becomes an underscore; an empty ID becomes "msg".
func sanitizeID(id string) string {
	if id == "" {
		return "msg"
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func shortID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

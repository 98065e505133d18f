package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "pushsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.jobs.snapshot.json  (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot. Every PutJob is
// fsynced before returning so a crash cannot lose an acknowledged job.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	jobsSnapshotPath string
	jobsJournalFile  *os.File
	jobs             map[string]Job

	jobWrites int
}

const compactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load jobs from snapshot + journal. Either may be missing on first run.
	jobs := map[string]Job{}
	_ = loadJobsSnapshot(snapPath, jobs)
	_ = replayJobsJournal(journalPath, jobs)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		jobsSnapshotPath: snapPath,
		jobsJournalFile:  jf,
		jobs:             jobs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.jobsJournalFile != nil {
		err2 = s.jobsJournalFile.Close()
		s.jobsJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) PutJob(ctx context.Context, j Job) error {
	_ = ctx
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournalFile == nil {
		return errors.New("jobs journal closed")
	}

	enc := json.NewEncoder(s.jobsJournalFile)
	if err := enc.Encode(j); err != nil {
		return err
	}
	if err := s.jobsJournalFile.Sync(); err != nil {
		return err
	}
	s.jobs[j.ID] = j

	s.jobWrites++
	if s.jobWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("jobs compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetJob(ctx context.Context, id string) (Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *fileStore) ListJobs(ctx context.Context) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].FireAt != out[k].FireAt {
			return out[i].FireAt < out[k].FireAt
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobsSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.jobsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.jobsJournalFile.Seek(0, 2)
	return err
}

func loadJobsSnapshot(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJobsJournal(path string, out map[string]Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var j Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			continue
		}
		if j.ID == "" {
			continue
		}
		out[j.ID] = j
	}
	return sc.Err()
}

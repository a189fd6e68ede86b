package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "procbot/pkg/logx"
)

// fileStore keeps the key/value set in memory and makes it durable with
// three files next to the configured path:
//   - <prefix>.audit.jsonl       (append-only JSON Lines)
//   - <prefix>.kv.snapshot.json  (compacted state)
//   - <prefix>.kv.journal.jsonl  (set/delete records since the snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	kv           map[string]string

	writes       int
	compactEvery int
}

type kvRecord struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

const (
	opSet    = "set"
	opDelete = "del"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"
	kv := map[string]string{}
	if err := loadSnapshot(snapPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 200
	}
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		kv:           kv,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	if e := s.journalFile.Close(); err == nil {
		err = e
	}
	if e := s.auditFile.Close(); err == nil {
		err = e
	}
	s.journalFile = nil
	s.auditFile = nil
	return err
}

func (s *fileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *fileStore) Set(_ context.Context, key, value string) error {
	return s.write(kvRecord{Op: opSet, Key: key, Value: value})
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	return s.write(kvRecord{Op: opDelete, Key: key})
}

func (s *fileStore) write(r kvRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	apply(s.kv, r)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func apply(kv map[string]string, r kvRecord) {
	switch r.Op {
	case opSet:
		kv[r.Key] = r.Value
	case opDelete:
		delete(kv, r.Key)
	}
}

func loadSnapshot(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies records in order. A torn trailing line is skipped.
func replayJournal(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		apply(out, r)
	}
	return sc.Err()
}

package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FSStore is the filesystem backend. Values are stored as plain files under
// the root directory with the key as the relative path, written via
// temp-file + atomic rename. TTLs live in ".ttl" sidecar files so the value
// files stay readable as-is (the messages/seq counter is a bare decimal on
// disk). Locks are exclusive-create JSON files under ".locks/".
//
// Message entries are the exception to the file-per-key rule: keys under
// "messages/m" share a single append-only log file, one JSON object per
// line, so a room's message history reads as a plain text log. The entries'
// keys embed the sequence number, which the stored object repeats in its
// "seq" field; that field rebuilds the key when the log is read back.
//
// Cross-process atomicity of CompareAndPut is obtained with a short-lived
// ".cas" sidecar created O_EXCL; writers that lose the race retry.
type FSStore struct {
	root  string
	codec ValueCodec
}

// ValueCodec optionally encrypts values at rest. Implemented by secure.Codec.
type ValueCodec interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

const (
	fsLockDir      = ".locks"
	fsTTLSuffix    = ".ttl"
	fsCASSuffix    = ".cas"
	fsMsgPrefix    = "messages/m"
	fsMsgLog       = "messages/log"
	casRetryDelay  = 5 * time.Millisecond
	casRetryBudget = 2 * time.Second
	// casStaleAfter is the age past which a .cas sidecar is considered
	// abandoned by a crashed writer and is removed.
	casStaleAfter = 5 * time.Second
)

// fsLockRecord is the JSON body of a lock file.
type fsLockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFSStore creates a filesystem store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, fsLockDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// NewFSStoreWithCodec creates a filesystem store whose values are sealed
// with codec before they touch the disk.
func NewFSStoreWithCodec(dir string, codec ValueCodec) (*FSStore, error) {
	s, err := NewFSStore(dir)
	if err != nil {
		return nil, err
	}
	s.codec = codec
	return s, nil
}

// Root returns the backing directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) encode(value []byte) ([]byte, error) {
	if s.codec == nil {
		return value, nil
	}
	return s.codec.Seal(value)
}

func (s *FSStore) decode(value []byte) ([]byte, error) {
	if s.codec == nil {
		return value, nil
	}
	plain, err := s.codec.Open(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptValue, err)
	}
	return plain, nil
}

func (s *FSStore) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FSStore) lockPath(name string) string {
	// Lock names may contain arbitrary characters ("file:src/main"); escape
	// to a single flat file name.
	return filepath.Join(s.root, fsLockDir, url.PathEscape(name))
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if seq, ok := messageSeq(key); ok {
		log, err := s.readMessageLog()
		if err != nil {
			return nil, false, err
		}
		value, found := log[seq]
		return value, found, nil
	}
	path, err := s.keyPath(key)
	if err != nil {
		return nil, false, err
	}
	if expired, err := s.checkExpired(path); err != nil {
		return nil, false, err
	} else if expired {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Transient("fs.get", err)
	}
	plain, err := s.decode(data)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// Put implements Store. Message entries ignore ttl; their retention is the
// sweep over the log.
func (s *FSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if seq, ok := messageSeq(key); ok {
		return s.putMessage(ctx, seq, value)
	}
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	encoded, err := s.encode(value)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, encoded); err != nil {
		return Transient("fs.put", err)
	}
	if ttl > 0 {
		deadline := []byte(strconv.FormatInt(time.Now().Add(ttl).UnixNano(), 10))
		if err := writeFileAtomic(path+fsTTLSuffix, deadline); err != nil {
			return Transient("fs.put", err)
		}
	} else {
		_ = os.Remove(path + fsTTLSuffix)
	}
	return nil
}

// CompareAndPut implements Store. The .cas sidecar serialises concurrent
// writers across processes; losing the sidecar race retries within a small
// budget rather than failing the caller outright.
func (s *FSStore) CompareAndPut(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if seq, ok := messageSeq(key); ok {
		return s.compareAndPutMessage(ctx, seq, expected, value)
	}
	path, err := s.keyPath(key)
	if err != nil {
		return false, err
	}
	release, err := s.acquireCAS(ctx, path)
	if err != nil {
		return false, err
	}
	defer release()

	current, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if expected == nil {
		if found {
			return false, nil
		}
	} else {
		if !found || string(current) != string(expected) {
			return false, nil
		}
	}
	encoded, err := s.encode(value)
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, encoded); err != nil {
		return false, Transient("fs.cas", err)
	}
	return true, nil
}

func (s *FSStore) acquireCAS(ctx context.Context, path string) (func(), error) {
	casPath := path + fsCASSuffix
	deadline := time.Now().Add(casRetryBudget)
	for {
		if err := os.MkdirAll(filepath.Dir(casPath), 0o755); err != nil {
			return nil, Transient("fs.cas", err)
		}
		f, err := os.OpenFile(casPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(casPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, Transient("fs.cas", err)
		}
		// Remove sidecars abandoned by crashed writers.
		if info, statErr := os.Stat(casPath); statErr == nil && time.Since(info.ModTime()) > casStaleAfter {
			_ = os.Remove(casPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, Transient("fs.cas", fmt.Errorf("cas sidecar busy: %s", casPath))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(casRetryDelay):
		}
	}
}

// Delete implements Store.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if seq, ok := messageSeq(key); ok {
		return s.deleteMessage(ctx, seq)
	}
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	_ = os.Remove(path + fsTTLSuffix)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Transient("fs.delete", err)
	}
	return nil
}

// Scan implements Store.
func (s *FSStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == fsLockDir {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, fsTTLSuffix) || strings.HasSuffix(name, fsCASSuffix) || strings.HasSuffix(name, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if key == fsMsgLog {
			// The message log is merged below, entry by entry.
			return nil
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if expired, expErr := s.checkExpired(path); expErr != nil || expired {
			return expErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if errors.Is(readErr, fs.ErrNotExist) {
				return nil
			}
			return readErr
		}
		plain, decErr := s.decode(data)
		if decErr != nil {
			return decErr
		}
		entries = append(entries, Entry{Key: key, Value: plain})
		return nil
	})
	if err != nil {
		return nil, Transient("fs.scan", err)
	}
	if strings.HasPrefix(fsMsgPrefix, prefix) || strings.HasPrefix(prefix, fsMsgPrefix) {
		log, logErr := s.readMessageLog()
		if logErr != nil {
			return nil, logErr
		}
		for seq, value := range log {
			key := messageKeyForSeq(seq)
			if strings.HasPrefix(key, prefix) {
				entries = append(entries, Entry{Key: key, Value: value})
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// --- message log ---

// messageSeq extracts the sequence number from a message key.
func messageSeq(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, fsMsgPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func messageKeyForSeq(seq int64) string {
	return fmt.Sprintf("%s%020d", fsMsgPrefix, seq)
}

func (s *FSStore) msgLogPath() string {
	return filepath.Join(s.root, filepath.FromSlash(fsMsgLog))
}

// encodeLine renders one log line. Sealed values are binary, so they go
// through base64 to stay one line; plain values are already single-line JSON.
func (s *FSStore) encodeLine(value []byte) ([]byte, error) {
	if s.codec == nil {
		return value, nil
	}
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func (s *FSStore) decodeLine(line []byte) ([]byte, error) {
	if s.codec == nil {
		return line, nil
	}
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil {
		return nil, fmt.Errorf("%w: message log line: %v", ErrCorruptValue, err)
	}
	return s.decode(sealed[:n])
}

// readMessageLog parses the log into entries keyed by sequence number.
func (s *FSStore) readMessageLog() (map[int64][]byte, error) {
	data, err := os.ReadFile(s.msgLogPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[int64][]byte{}, nil
	}
	if err != nil {
		return nil, Transient("fs.msglog", err)
	}
	out := make(map[int64][]byte)
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		plain, err := s.decodeLine(line)
		if err != nil {
			return nil, err
		}
		var head struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(plain, &head); err != nil {
			return nil, fmt.Errorf("%w: message log line: %v", ErrCorruptValue, err)
		}
		out[head.Seq] = plain
	}
	return out, nil
}

// appendMessageLine adds one entry to the end of the log.
func (s *FSStore) appendMessageLine(value []byte) error {
	line, err := s.encodeLine(value)
	if err != nil {
		return err
	}
	path := s.msgLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Transient("fs.msglog", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Transient("fs.msglog", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		return Transient("fs.msglog", errors.Join(werr, cerr))
	}
	return nil
}

// rewriteMessageLog replaces the whole log, in sequence order. Used for the
// rare replace and delete paths; the hot path is the append.
func (s *FSStore) rewriteMessageLog(log map[int64][]byte) error {
	seqs := make([]int64, 0, len(log))
	for seq := range log {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var buf bytes.Buffer
	for _, seq := range seqs {
		line, err := s.encodeLine(log[seq])
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.msgLogPath(), buf.Bytes()); err != nil {
		return Transient("fs.msglog", err)
	}
	return nil
}

func (s *FSStore) putMessage(ctx context.Context, seq int64, value []byte) error {
	release, err := s.acquireCAS(ctx, s.msgLogPath())
	if err != nil {
		return err
	}
	defer release()
	log, err := s.readMessageLog()
	if err != nil {
		return err
	}
	if _, found := log[seq]; !found {
		return s.appendMessageLine(value)
	}
	log[seq] = value
	return s.rewriteMessageLog(log)
}

func (s *FSStore) compareAndPutMessage(ctx context.Context, seq int64, expected, value []byte) (bool, error) {
	release, err := s.acquireCAS(ctx, s.msgLogPath())
	if err != nil {
		return false, err
	}
	defer release()
	log, err := s.readMessageLog()
	if err != nil {
		return false, err
	}
	current, found := log[seq]
	if expected == nil {
		if found {
			return false, nil
		}
		if err := s.appendMessageLine(value); err != nil {
			return false, err
		}
		return true, nil
	}
	if !found || string(current) != string(expected) {
		return false, nil
	}
	log[seq] = value
	if err := s.rewriteMessageLog(log); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStore) deleteMessage(ctx context.Context, seq int64) error {
	release, err := s.acquireCAS(ctx, s.msgLogPath())
	if err != nil {
		return err
	}
	defer release()
	log, err := s.readMessageLog()
	if err != nil {
		return err
	}
	if _, found := log[seq]; !found {
		return nil
	}
	delete(log, seq)
	return s.rewriteMessageLog(log)
}

// Lock implements Store via O_CREATE|O_EXCL. An expired lock file is removed
// and the create is retried once, which is the reclaim path.
func (s *FSStore) Lock(_ context.Context, name, owner string, ttl time.Duration) (LockResult, error) {
	path := s.lockPath(name)
	record := fsLockRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
	body, err := json.Marshal(record)
	if err != nil {
		return LockResult{}, fmt.Errorf("marshal lock record: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(body)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return LockResult{}, Transient("fs.lock", errors.Join(werr, cerr))
			}
			return LockResult{Acquired: true}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return LockResult{}, Transient("fs.lock", err)
		}
		existing, rerr := s.readLockRecord(path)
		if rerr != nil {
			// The holder released between our create attempt and read; retry.
			if errors.Is(rerr, fs.ErrNotExist) {
				continue
			}
			return LockResult{}, rerr
		}
		if time.Now().Before(existing.ExpiresAt) {
			if existing.Owner == owner {
				// Re-entrant refresh by the current owner.
				if err := writeFileAtomic(path, body); err != nil {
					return LockResult{}, Transient("fs.lock", err)
				}
				return LockResult{Acquired: true}, nil
			}
			return LockResult{Acquired: false, HeldBy: existing.Owner}, nil
		}
		// Expired — reclaim and retry the exclusive create.
		_ = os.Remove(path)
	}
	return LockResult{}, Transient("fs.lock", fmt.Errorf("lock create race on %q", name))
}

// Unlock implements Store.
func (s *FSStore) Unlock(_ context.Context, name, owner string) error {
	path := s.lockPath(name)
	record, err := s.readLockRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotOwner
	}
	if err != nil {
		return err
	}
	if record.Owner != owner && time.Now().Before(record.ExpiresAt) {
		return ErrNotOwner
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Transient("fs.unlock", err)
	}
	return nil
}

// Tick sweeps expired TTL sidecars and lock files.
func (s *FSStore) Tick(_ context.Context) error {
	now := time.Now()
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), fsTTLSuffix) {
			_, _ = s.checkExpired(strings.TrimSuffix(path, fsTTLSuffix))
		}
		return nil
	})
	lockEntries, err := os.ReadDir(filepath.Join(s.root, fsLockDir))
	if err != nil {
		return nil
	}
	for _, e := range lockEntries {
		path := filepath.Join(s.root, fsLockDir, e.Name())
		record, rerr := s.readLockRecord(path)
		if rerr == nil && now.After(record.ExpiresAt) {
			_ = os.Remove(path)
		}
	}
	return nil
}

// Close implements Store. The filesystem needs no teardown.
func (s *FSStore) Close() error { return nil }

func (s *FSStore) readLockRecord(path string) (fsLockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fsLockRecord{}, err
	}
	var record fsLockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fsLockRecord{}, fmt.Errorf("%w: lock file %s: %v", ErrCorruptValue, path, err)
	}
	return record, nil
}

// checkExpired reports whether the key at path has an expired TTL sidecar,
// removing the value and sidecar lazily when it has.
func (s *FSStore) checkExpired(path string) (bool, error) {
	data, err := os.ReadFile(path + fsTTLSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, Transient("fs.ttl", err)
	}
	deadline, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: ttl sidecar %s: %v", ErrCorruptValue, path, err)
	}
	if time.Now().UnixNano() < deadline {
		return false, nil
	}
	_ = os.Remove(path)
	_ = os.Remove(path + fsTTLSuffix)
	return true, nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by rename, creating parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

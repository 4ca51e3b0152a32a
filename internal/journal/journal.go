// Package journal keeps a tamper-evident record of every patch, restore and
// backup performed on this machine.
package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recallguard/patcher/internal/logging"
)

var log = logging.L("journal")

// Event types.
const (
	EventBackupCreated = "backup_created"
	EventPatchApplied  = "patch_applied"
	EventPatchFailed   = "patch_failed"
	EventPatchRestored = "patch_restored"
	EventLogRotated    = "log_rotated"
)

const genesisHash = "genesis"

// mutating events are fsynced after writing.
var criticalEvents = map[string]bool{
	EventBackupCreated: true,
	EventPatchApplied:  true,
	EventPatchRestored: true,
}

// Entry is a single journal record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Journal writes JSONL entries linked by a SHA-256 hash chain. On rotation a
// log_rotated sentinel opens the new file and links to the old file's tail.
type Journal struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// Open appends to the journal at path, continuing the hash chain from its
// last entry. An empty path disables journaling and returns a nil Journal,
// which is safe to use.
func Open(path string, maxSizeMB, maxBackups int) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 5
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	j := &Journal{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}

	last, err := lastEntry(path)
	if err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}
	if last != nil {
		j.prevHash = last.EntryHash
	}

	if err := j.openFile(); err != nil {
		return nil, err
	}
	log.Debug("journal opened", logging.KeyPath, path)
	return j, nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.filePath
}

// Record appends one entry. The chain only advances after a successful
// write. Safe to call on a nil receiver.
func (j *Journal) Record(eventType, target string, details map[string]any) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Target:    target,
		Details:   details,
		PrevHash:  j.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode journal entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}

	if j.written+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			log.Error("journal rotation failed", logging.KeyError, err)
			j.dropped.Add(1)
			return
		}
		// rotation wrote a sentinel; relink this entry to it
		entry.PrevHash = j.prevHash
		if data, err = seal(&entry); err != nil {
			j.dropped.Add(1)
			return
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		log.Error("failed to write journal entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}
	j.written += int64(n)
	j.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := j.file.Sync(); err != nil {
			log.Error("failed to fsync journal entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close closes the journal file. Safe to call on a nil receiver.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1 for
// a nil Journal.
func (j *Journal) DroppedCount() int64 {
	if j == nil {
		return -1
	}
	return j.dropped.Load()
}

// seal computes entry's hash and returns its JSONL encoding.
func seal(entry *Entry) ([]byte, error) {
	h, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = h
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes each field so that no two field combinations
// serialize identically.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Target, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.written = info.Size()
	return nil
}

func (j *Journal) rotate() error {
	prev := j.prevHash

	if j.file != nil {
		j.file.Close()
	}

	for i := j.maxBackups; i >= 2; i-- {
		src, dst := j.backupName(i-1), j.backupName(i)
		if i == j.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("journal rotation: failed to remove oldest backup", logging.KeyPath, dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("journal rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(j.filePath, j.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("journal rotation: failed to rename current file", logging.KeyError, err)
	}

	if err := j.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prev,
		Details:   map[string]any{"previousFile": filepath.Base(j.backupName(1))},
	}
	data, err := seal(&sentinel)
	if err != nil {
		return fmt.Errorf("encode rotation sentinel: %w", err)
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write rotation sentinel: %w", err)
	}
	j.written += int64(n)
	j.prevHash = sentinel.EntryHash
	return nil
}

func (j *Journal) backupName(index int) string {
	if index == 0 {
		return j.filePath
	}
	return fmt.Sprintf("%s.%d", j.filePath, index)
}

// lastEntry returns the final entry of the file at path, or nil when the
// file is missing or empty.
func lastEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its content.
var ErrChainBroken = errors.New("journal hash chain broken")

// Verify checks every entry in r: each hash must match its content and each
// prevHash must equal the previous entry's hash. The first entry must start
// the chain or be a rotation sentinel. It returns the number of entries read.
func Verify(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	prev := ""
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n++

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return n, fmt.Errorf("entry %d: %w", n, err)
		}

		switch {
		case n == 1 && e.PrevHash != genesisHash && e.EventType != EventLogRotated:
			return n, fmt.Errorf("%w: entry 1 does not start a chain", ErrChainBroken)
		case n > 1 && e.PrevHash != prev:
			return n, fmt.Errorf("%w: entry %d prevHash does not match entry %d", ErrChainBroken, n, n-1)
		}

		want, err := computeHash(e)
		if err != nil {
			return n, fmt.Errorf("entry %d: %w", n, err)
		}
		if want != e.EntryHash {
			return n, fmt.Errorf("%w: entry %d content does not match its hash", ErrChainBroken, n)
		}
		prev = e.EntryHash
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

// VerifyFile opens path and runs Verify over it.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Verify(f)
}

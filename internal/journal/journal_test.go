package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.Record(EventPatchApplied, "x", nil)
	if err := j.Close(); err != nil {
		t.Fatalf("nil Close() = %v", err)
	}
	if got := j.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestOpenEmptyPathDisables(t *testing.T) {
	j, err := Open("", 1, 1)
	if err != nil || j != nil {
		t.Fatalf("Open(\"\") = (%v, %v), want (nil, nil)", j, err)
	}
}

func TestRecordWritesChainedEntries(t *testing.T) {
	j := newTestJournal(t)
	j.Record(EventBackupCreated, `C:\WeChat\WeChatWin.dll`, map[string]any{"sha256": "ab", "bytes": 65536})
	j.Record(EventPatchApplied, `C:\WeChat\WeChatWin.dll`, map[string]any{"pattern": "Universal", "offset": 1000})
	j.Record(EventPatchRestored, `C:\WeChat\WeChatWin.dll`, nil)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	entries := readEntries(t, j.Path())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}
	if entries[1].Target != `C:\WeChat\WeChatWin.dll` || entries[1].EventType != EventPatchApplied {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}

	n, err := VerifyFile(j.Path())
	if err != nil || n != 3 {
		t.Fatalf("VerifyFile = (%d, %v), want (3, nil)", n, err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	j.Record(EventPatchApplied, "a.dll", nil)
	j.Close()

	j, err = Open(path, 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	j.Record(EventPatchRestored, "a.dll", nil)
	j.Close()

	if n, err := VerifyFile(path); err != nil || n != 2 {
		t.Fatalf("VerifyFile = (%d, %v), want (2, nil)", n, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	j := newTestJournal(t)
	j.Record(EventPatchApplied, "a.dll", map[string]any{"pattern": "Universal"})
	j.Record(EventPatchRestored, "a.dll", nil)
	j.Close()

	data, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "Universal", "Legacy", 1)

	if _, err := Verify(strings.NewReader(tampered)); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify(tampered) = %v, want ErrChainBroken", err)
	}
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	j := newTestJournal(t)
	j.Record(EventPatchApplied, "a.dll", nil)
	j.Record(EventPatchFailed, "b.dll", nil)
	j.Record(EventPatchRestored, "a.dll", nil)
	j.Close()

	data, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	cut := lines[0] + "\n" + lines[2] + "\n"

	if _, err := Verify(strings.NewReader(cut)); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify(cut) = %v, want ErrChainBroken", err)
	}
}

func TestRotationWritesLinkedSentinel(t *testing.T) {
	j := newTestJournal(t)
	j.maxSize = 400

	for i := 0; i < 10; i++ {
		j.Record(EventPatchFailed, "a.dll", map[string]any{"i": i})
	}
	j.Close()

	entries := readEntries(t, j.Path())
	if len(entries) == 0 || entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry after rotation should be the sentinel, got %+v", entries)
	}
	older := readEntries(t, j.Path()+".1")
	if len(older) == 0 {
		t.Fatal("no entries in rotated file")
	}
	if entries[0].PrevHash != older[len(older)-1].EntryHash {
		t.Fatal("sentinel must link to the last entry of the rotated file")
	}
	if _, err := VerifyFile(j.Path()); err != nil {
		t.Fatalf("VerifyFile after rotation: %v", err)
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	j := newTestJournal(t)
	j.file.Close()
	f, err := os.Open(j.filePath)
	if err != nil {
		t.Fatal(err)
	}
	j.file = f

	j.Record(EventPatchFailed, "a.dll", nil)
	if got := j.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	j.file.Close()
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"), 5, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

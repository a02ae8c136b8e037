package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// FileJournal persists records as a single length-prefixed canonical CBOR
// hot log under <world>/journal/hot, rebuilding its in-memory index on
// open. Cold-segment compaction is a later operational concern; logical
// semantics do not depend on whether a record lives in hot or cold
// storage.
type FileJournal struct {
	mu    sync.Mutex
	file  *os.File
	index []indexEntry
}

type indexEntry struct {
	seq    uint64
	kind   Kind
	offset int64
	length int64
}

// OpenFile opens (creating if necessary) a file-backed journal rooted at
// dir, replaying any existing hot log to rebuild the index.
func OpenFile(dir string) (*FileJournal, error) {
	hotDir := filepath.Join(dir, "hot")
	if err := os.MkdirAll(hotDir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	path := filepath.Join(hotDir, "0-inf.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	fj := &FileJournal{file: f}
	if err := fj.rebuildIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return fj, nil
}

func (j *FileJournal) rebuildIndex() error {
	var offset int64
	var expectSeq uint64 = 1
	for {
		hdr := make([]byte, 16)
		n, err := j.file.ReadAt(hdr, offset)
		if n < 16 {
			break
		}
		if err != nil {
			break
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := int64(binary.BigEndian.Uint64(hdr[8:16]))
		if seq != expectSeq {
			return errtax.New(errtax.JournalCorrupt, "non-monotonic sequence on disk", map[string]any{"expected": expectSeq, "found": seq})
		}
		kindBuf := make([]byte, 32)
		kn, _ := j.file.ReadAt(kindBuf, offset+16)
		kindEnd := 0
		for kindEnd < kn && kindBuf[kindEnd] != 0 {
			kindEnd++
		}
		kind := Kind(kindBuf[:kindEnd])

		j.index = append(j.index, indexEntry{seq: seq, kind: kind, offset: offset + 16 + 32, length: length})
		offset += 16 + 32 + length
		expectSeq++
	}
	return nil
}

// AppendBatch implements Journal.
func (j *FileJournal) AppendBatch(records []PendingRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	first := j.headLocked() + 1
	info, err := j.file.Stat()
	if err != nil {
		return 0, err
	}
	start := info.Size()
	offset := start
	// fail cuts the file back to where this batch began, so a failed
	// batch leaves nothing on disk or in the index.
	fail := func(err error) (uint64, error) {
		_ = j.file.Truncate(start)
		return 0, err
	}

	var staged []indexEntry
	seq := first
	for _, pr := range records {
		var kindBuf [32]byte
		copy(kindBuf[:], pr.Kind)

		hdr := make([]byte, 16)
		binary.BigEndian.PutUint64(hdr[0:8], seq)
		binary.BigEndian.PutUint64(hdr[8:16], uint64(len(pr.Bytes)))

		if _, err := j.file.WriteAt(hdr, offset); err != nil {
			return fail(fmt.Errorf("journal: write header: %w", err))
		}
		if _, err := j.file.WriteAt(kindBuf[:], offset+16); err != nil {
			return fail(fmt.Errorf("journal: write kind: %w", err))
		}
		if _, err := j.file.WriteAt(pr.Bytes, offset+16+32); err != nil {
			return fail(fmt.Errorf("journal: write body: %w", err))
		}
		staged = append(staged, indexEntry{seq: seq, kind: pr.Kind, offset: offset + 16 + 32, length: int64(len(pr.Bytes))})
		offset += 16 + 32 + int64(len(pr.Bytes))
		seq++
	}
	if err := j.file.Sync(); err != nil {
		return fail(fmt.Errorf("journal: fsync: %w", err))
	}
	j.index = append(j.index, staged...)
	return first, nil
}

func (j *FileJournal) headLocked() uint64 {
	if len(j.index) == 0 {
		return 0
	}
	return j.index[len(j.index)-1].seq
}

func (j *FileJournal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.headLocked()
}

func (j *FileJournal) readRecord(e indexEntry) (Record, error) {
	buf := make([]byte, e.length)
	if _, err := j.file.ReadAt(buf, e.offset); err != nil {
		return Record{}, errtax.New(errtax.JournalCorrupt, "short read", map[string]any{"seq": e.seq})
	}
	return Record{Seq: e.seq, Kind: e.kind, Bytes: buf, Hash: canon.HashBytes(buf)}, nil
}

func (j *FileJournal) Tail(fromSeq uint64, limit int, kinds []Kind) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var kindSet map[Kind]bool
	if len(kinds) > 0 {
		kindSet = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	var out []Record
	for _, e := range j.index {
		if e.seq < fromSeq {
			continue
		}
		if kindSet != nil && !kindSet[e.kind] {
			continue
		}
		rec, err := j.readRecord(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *FileJournal) Replay(fromSeq uint64, visit Visitor) error {
	j.mu.Lock()
	idx := make([]indexEntry, len(j.index))
	copy(idx, j.index)
	j.mu.Unlock()

	for _, e := range idx {
		if e.seq < fromSeq {
			continue
		}
		rec, err := j.readRecord(e)
		if err != nil {
			return err
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChain is a lighter-weight check for the file backend: it
// confirms strict seq monotonicity and that every record is fully
// readable, since the on-disk format does not carry the optional
// cumulative hash chain MemoryJournal keeps for test assertions.
func (j *FileJournal) VerifyChain(from, to uint64) error {
	j.mu.Lock()
	idx := make([]indexEntry, len(j.index))
	copy(idx, j.index)
	j.mu.Unlock()

	var lastSeq uint64
	for _, e := range idx {
		if e.seq < from || e.seq > to {
			continue
		}
		if lastSeq != 0 && e.seq != lastSeq+1 {
			return errtax.New(errtax.JournalCorrupt, "sequence gap", map[string]any{"after": lastSeq, "found": e.seq})
		}
		if _, err := j.readRecord(e); err != nil {
			return err
		}
		lastSeq = e.seq
	}
	return nil
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

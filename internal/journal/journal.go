package journal

import (
	"sync"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Visitor is called once per record during a streaming Replay.
type Visitor func(Record) error

// Journal is the single-writer, append-only, strictly-monotonic log the
// stepper owns. Only the stepper ever calls AppendBatch; every other
// component reads via Tail/Replay.
type Journal interface {
	// AppendBatch atomically appends records, assigning them consecutive
	// sequence numbers starting at the returned value. All records commit
	// or none do.
	AppendBatch(records []PendingRecord) (firstSeq uint64, err error)

	// Head returns the sequence number of the most recently committed
	// record (0 if the journal is empty).
	Head() uint64

	// Tail returns up to limit records starting at fromSeq, optionally
	// filtered to the given kinds.
	Tail(fromSeq uint64, limit int, kinds []Kind) ([]Record, error)

	// Replay streams every record from fromSeq (inclusive) to the current
	// head through visit, in sequence order.
	Replay(fromSeq uint64, visit Visitor) error

	// VerifyChain checks the records across [from, to] and reports any
	// break — an operational integrity check beyond what replay-or-die
	// itself requires. MemoryJournal recomputes its hash chain;
	// FileJournal, whose on-disk format has no chain, checks sequence
	// monotonicity and that every record reads in full.
	VerifyChain(from, to uint64) error
}

// PendingRecord is a record awaiting a sequence number assignment by
// AppendBatch; the caller supplies Kind and canonical Bytes.
type PendingRecord struct {
	Kind  Kind
	Bytes []byte
}

// chainedRecord is what the in-memory journal actually stores: a Record
// plus the hash of (prevHash, seq, kind, bytes) used by VerifyChain.
type chainedRecord struct {
	rec      Record
	prevHash canon.Hash
	chainHash canon.Hash
}

// MemoryJournal is an in-memory Journal, used for tests and ephemeral
// worlds. It keeps a hash chain over its records that VerifyChain
// recomputes; the file-backed journal keeps no such chain, so its
// VerifyChain is a lighter check.
type MemoryJournal struct {
	mu      sync.Mutex
	records []chainedRecord
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) AppendBatch(records []PendingRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(records) == 0 {
		return j.headLocked() + 1, nil
	}

	first := j.headLocked() + 1
	prev := j.lastChainHashLocked()

	staged := make([]chainedRecord, 0, len(records))
	seq := first
	for _, pr := range records {
		chainInput := map[string]any{
			"prev_hash": prev[:],
			"seq":       seq,
			"kind":      string(pr.Kind),
			"bytes":     pr.Bytes,
		}
		h, err := canon.HashValue(chainInput)
		if err != nil {
			return 0, errtax.New(errtax.JournalCorrupt, "chain hash computation failed", map[string]any{"seq": seq})
		}
		staged = append(staged, chainedRecord{
			rec:       Record{Seq: seq, Kind: pr.Kind, Bytes: pr.Bytes, Hash: canon.HashBytes(pr.Bytes)},
			prevHash:  prev,
			chainHash: h,
		})
		prev = h
		seq++
	}

	j.records = append(j.records, staged...)
	return first, nil
}

func (j *MemoryJournal) headLocked() uint64 {
	if len(j.records) == 0 {
		return 0
	}
	return j.records[len(j.records)-1].rec.Seq
}

func (j *MemoryJournal) lastChainHashLocked() canon.Hash {
	if len(j.records) == 0 {
		return canon.Hash{}
	}
	return j.records[len(j.records)-1].chainHash
}

func (j *MemoryJournal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.headLocked()
}

func (j *MemoryJournal) Tail(fromSeq uint64, limit int, kinds []Kind) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var kindSet map[Kind]bool
	if len(kinds) > 0 {
		kindSet = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	out := make([]Record, 0, limit)
	for _, cr := range j.records {
		if cr.rec.Seq < fromSeq {
			continue
		}
		if kindSet != nil && !kindSet[cr.rec.Kind] {
			continue
		}
		out = append(out, cr.rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *MemoryJournal) Replay(fromSeq uint64, visit Visitor) error {
	j.mu.Lock()
	snapshot := make([]chainedRecord, len(j.records))
	copy(snapshot, j.records)
	j.mu.Unlock()

	for _, cr := range snapshot {
		if cr.rec.Seq < fromSeq {
			continue
		}
		if err := visit(cr.rec); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemoryJournal) VerifyChain(from, to uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var prev canon.Hash
	found := false
	for _, cr := range j.records {
		if cr.rec.Seq < from {
			prev = cr.chainHash
			continue
		}
		if cr.rec.Seq > to {
			break
		}
		if !found {
			if cr.prevHash != prev {
				return errtax.New(errtax.JournalCorrupt, "chain break at seq", map[string]any{"seq": cr.rec.Seq})
			}
			found = true
		}
		recomputed, err := canon.HashValue(map[string]any{
			"prev_hash": cr.prevHash[:],
			"seq":       cr.rec.Seq,
			"kind":      string(cr.rec.Kind),
			"bytes":     cr.rec.Bytes,
		})
		if err != nil || recomputed != cr.chainHash {
			return errtax.New(errtax.JournalCorrupt, "chain hash mismatch", map[string]any{"seq": cr.rec.Seq})
		}
		prev = cr.chainHash
	}
	return nil
}

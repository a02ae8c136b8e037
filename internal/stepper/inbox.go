// Package stepper implements the main loop: the single-threaded,
// cooperative drain of inbound events and receipts into the journal,
// module dispatch, effect authorization, and snapshot-boundary
// decisions.
package stepper

import (
	"container/heap"
	"sync"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

// ItemKind discriminates what an inbox item carries.
type ItemKind string

const (
	ItemDomainEvent ItemKind = "domain_event"
	ItemReceipt     ItemKind = "receipt"
	ItemTimerFired  ItemKind = "timer_fired"
)

// DomainEventIn is a control-channel event-send request awaiting schema
// validation and routing. CausedBy is set when the event was raised by
// a reducer/workflow step rather than submitted externally, carrying
// the triggering event's hash through to the journaled DomainEvent
// record.
type DomainEventIn struct {
	Schema        string
	AuthoringJSON []byte
	CausedBy      canon.Hash
}

// ReceiptIn is a control-channel receipt-inject request awaiting
// signature verification and routing.
type ReceiptIn struct {
	IntentHash  canon.Hash
	AdapterID   string
	Status      string
	PayloadCBOR []byte
	Signature   []byte
}

// Item is one inbox entry. Only one of DomainEvent/Receipt is set,
// matching Kind.
type Item struct {
	Kind        ItemKind
	DomainEvent DomainEventIn
	Receipt     ReceiptIn
	seq         uint64
}

// inboxHeap orders items purely by arrival sequence: the kernel is
// single-producer-drained and must never let wall-clock or priority
// reorder ingress, only the order enqueue was called in.
type inboxHeap []*Item

func (h inboxHeap) Len() int            { return len(h) }
func (h inboxHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h inboxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *inboxHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }
func (h *inboxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Inbox is the multi-producer, single-consumer ingress queue the
// stepper drains into the journal. Control-channel handlers (running on
// arbitrary goroutines) call Enqueue; only the stepper's own goroutine
// calls DrainAll.
type Inbox struct {
	mu      sync.Mutex
	items   inboxHeap
	nextSeq uint64
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	ib := &Inbox{nextSeq: 1}
	heap.Init(&ib.items)
	return ib
}

// Enqueue adds an item, assigning it the next arrival sequence number.
func (ib *Inbox) Enqueue(it Item) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	it.seq = ib.nextSeq
	ib.nextSeq++
	heap.Push(&ib.items, &it)
}

// Len reports how many items are waiting.
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.items.Len()
}

// DrainAll removes and returns every waiting item, in arrival order.
func (ib *Inbox) DrainAll() []Item {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make([]Item, 0, ib.items.Len())
	for ib.items.Len() > 0 {
		it := heap.Pop(&ib.items).(*Item)
		out = append(out, *it)
	}
	return out
}

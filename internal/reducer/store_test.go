package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
)

func TestStoreDeltaOverridesBase(t *testing.T) {
	s := NewStore()
	key := CellKey{ReducerName: "demo/CounterSM@1", KeyHash: SentinelKeyHash}

	s.LoadBase(key, []byte("base"))
	assert.Equal(t, []byte("base"), s.Get(key))

	s.Set(key, []byte("delta"))
	assert.Equal(t, []byte("delta"), s.Get(key))
}

func TestCommitFoldsDeltaIntoBaseAndClears(t *testing.T) {
	s := NewStore()
	key := CellKey{ReducerName: "demo/CounterSM@1", KeyHash: SentinelKeyHash}
	s.Set(key, []byte("v1"))
	s.Commit()

	assert.Empty(t, s.DirtyKeys())
	assert.Equal(t, []byte("v1"), s.Get(key))
}

func TestDirtyKeysDeterministicOrder(t *testing.T) {
	s := NewStore()
	a := CellKey{ReducerName: "demo/CounterSM@1", KeyHash: canon.HashBytes([]byte("a"))}
	b := CellKey{ReducerName: "demo/CounterSM@1", KeyHash: canon.HashBytes([]byte("b"))}
	s.Set(b, []byte("vb"))
	s.Set(a, []byte("va"))

	keys1 := s.DirtyKeys()
	keys2 := s.DirtyKeys()
	assert.Equal(t, keys1, keys2)
}

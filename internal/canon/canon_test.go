package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashValueDeterministic(t *testing.T) {
	v := map[string]any{"b": uint64(2), "a": uint64(1)}
	h1, err := HashValue(v)
	require.NoError(t, err)
	h2, err := HashValue(map[string]any{"a": uint64(1), "b": uint64(2)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "map key insertion order must not affect the hash")
}

func TestRoundtrip(t *testing.T) {
	v := map[string]any{
		"name":  "counter",
		"count": uint64(3),
		"tags":  []any{"a", "b"},
	}
	var decoded map[string]any
	require.NoError(t, Roundtrip(v, &decoded))
}

func TestHashStringFormat(t *testing.T) {
	h, err := HashValue("hello")
	require.NoError(t, err)
	s := h.String()
	assert.Len(t, s, len("sha256:")+64)

	parsed, err := ParseHash(s)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHashRejectsMalformed(t *testing.T) {
	_, err := ParseHash("not-a-hash")
	assert.Error(t, err)
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	// 0xa2 = map(2), two identical key/value pairs for key "a".
	dup := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]any
	err := Decode(dup, &out)
	assert.Error(t, err)
}

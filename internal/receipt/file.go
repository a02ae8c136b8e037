package receipt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// keyFileEntry is one adapter key's on-disk JSON form: Key as base64
// rather than AdapterKey.Key's raw bytes.
type keyFileEntry struct {
	AdapterID string  `json:"adapter_id"`
	Kind      KeyKind `json:"kind"`
	KeyB64    string  `json:"key"`
}

// LoadKeysFile reads a world's adapter verification keys from a JSON
// array on disk, for building the Registry a world opens with. A
// missing file is not an error: it yields an empty key set, matching a
// world with no effect adapters registered yet.
func LoadKeysFile(path string) ([]AdapterKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt: read %s: %w", path, err)
	}

	var entries []keyFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("receipt: parse %s: %w", path, err)
	}

	keys := make([]AdapterKey, 0, len(entries))
	for _, e := range entries {
		raw, err := base64.StdEncoding.DecodeString(e.KeyB64)
		if err != nil {
			return nil, fmt.Errorf("receipt: decode key for adapter %s: %w", e.AdapterID, err)
		}
		keys = append(keys, AdapterKey{AdapterID: e.AdapterID, Kind: e.Kind, Key: raw})
	}
	return keys, nil
}

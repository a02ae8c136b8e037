package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// rejectDuplicateKeys re-scans raw JSON token-by-token and fails if any
// object in the document repeats a key at the same nesting level.
// encoding/json's Decoder silently takes the last value for a duplicate
// key; the kernel treats that ambiguity as a rejected payload instead.
func rejectDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var stack []map[string]bool
	var expectKey []bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, map[string]bool{})
				expectKey = append(expectKey, true)
			case '}':
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
					expectKey = expectKey[:len(expectKey)-1]
				}
				if n := len(stack); n > 0 && stack[n-1] != nil {
					expectKey[n-1] = true
				}
			case '[':
				stack = append(stack, nil)
				expectKey = append(expectKey, false)
			case ']':
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
					expectKey = expectKey[:len(expectKey)-1]
				}
				if n := len(stack); n > 0 && stack[n-1] != nil {
					expectKey[n-1] = true
				}
			}
		case string:
			n := len(stack)
			if n > 0 && stack[n-1] != nil && expectKey[n-1] {
				if stack[n-1][t] {
					return fmt.Errorf("duplicate key %q", t)
				}
				stack[n-1][t] = true
				expectKey[n-1] = false
				continue
			}
			if n > 0 && stack[n-1] != nil {
				expectKey[n-1] = true
			}
		default:
			n := len(stack)
			if n > 0 && stack[n-1] != nil {
				expectKey[n-1] = true
			}
		}
	}
	return nil
}

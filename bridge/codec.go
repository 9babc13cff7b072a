package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// Frames on the host socket are JSON documents separated by a NUL byte.
// NUL never appears inside JSON text, so the delimiter needs no escaping
// and a half-received document simply waits for more data.
const frameDelimiter = 0x00

// maxFrameSize bounds a single host frame. Status batches for every object
// on a large printer stay well under this.
const maxFrameSize = 1 << 20

// unmarshalFrame decodes one inbound JSON document.
func unmarshalFrame(data []byte, f *frame) error {
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// encodeFrame marshals v and appends the frame delimiter.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, frameDelimiter), nil
}

// splitFrames is a bufio.SplitFunc yielding one JSON document per token.
// Trailing partial data is carried over until the delimiter arrives.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, frameDelimiter); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		// Connection closed mid-frame; discard the partial document.
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// newFrameScanner wraps a reader with frame splitting and the size bound.
func newFrameScanner(r *bufio.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	scanner.Split(splitFrames)
	return scanner
}

package exec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cmeadows/leaseq/pkg/core"
)

// The process boundary speaks length-framed JSON: a 4-byte big-endian
// length followed by the encoded body. The payload encoding is the same
// one used for enqueue payloads, so anything that survived Enqueue crosses
// the boundary unchanged. This is a versioned wire contract; bump
// frameVersion on any incompatible change.

const frameVersion = 1

// maxFrameSize bounds a single frame; payloads are capped well below this
// at enqueue time.
const maxFrameSize = 16 << 20

// Request is one task execution order sent to a child process.
type Request struct {
	Version int             `json:"v"`
	TaskID  string          `json:"task_id"`
	Handler string          `json:"handler"`
	Payload json.RawMessage `json:"payload"`
	Async   bool            `json:"async"`
}

// Response is the child's verdict for one Request.
type Response struct {
	Version int             `json:"v"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

// Error kinds carried across the boundary so the parent can rebuild the
// error taxonomy for the retry decision.
const (
	KindNoRetry       = "no_retry"
	KindSerialization = "serialization"
)

// WriteFrame encodes v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return &core.SerializationError{Err: err}
	}
	if len(body) > maxFrameSize {
		return &core.SerializationError{Err: fmt.Errorf("frame of %d bytes exceeds limit", len(body))}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return &core.SerializationError{Err: fmt.Errorf("frame of %d bytes exceeds limit", n)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &core.SerializationError{Err: err}
	}
	return nil
}

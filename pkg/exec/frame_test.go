package exec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{
		Version: frameVersion,
		TaskID:  "t-1",
		Handler: "send_email",
		Payload: json.RawMessage(`{"to":"a@b.c"}`),
		Async:   true,
	}
	require.NoError(t, WriteFrame(&buf, &req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestFrameRejectsOversizeHeader(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
	buf.Write(hdr[:])

	var got Response
	err := ReadFrame(&buf, &got)
	var serr *core.SerializationError
	require.ErrorAs(t, err, &serr)
}

func TestFrameRejectsMalformedBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{not json`)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)

	var got Response
	err := ReadFrame(&buf, &got)
	var serr *core.SerializationError
	require.ErrorAs(t, err, &serr)
}

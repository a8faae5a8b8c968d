package netbroker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/transform"
)

// read_line_limited reads from r up to and including the next '\n',
// refusing to buffer more than max_len bytes while looking for one.
// Grounded on the teacher's hodu_util_test.go TestReadLineLimited /
// TestReadLineLimitedRejectsLongLine: it returns the final, unterminated
// fragment together with io.EOF when the stream ends without a newline.
func read_line_limited(r *bufio.Reader, max_len int) (string, error) {
	var buf bytes.Buffer
	var chunk []byte
	var err error

	for {
		chunk, err = r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > max_len {
			return buf.String(), fmt.Errorf("line too long - exceeds %d bytes", max_len)
		}
		if err == nil {
			return buf.String(), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf.String(), err
	}
}

// FrameCodec reads and writes length-delimited JSON frames over a
// stream connection (spec.md §4.1). Input frames may be terminated by
// "\r\n" or a bare "\n"; every frame this codec writes is terminated by
// "\r\n" regardless of what the peer sent (spec.md §9 Open Question #2).
// Grounded on the buffered-reader shape of the teacher's deleted
// frame.go/client.go stream handling, generalized from hodu_util_test.go's
// read_line_limited helper, and on transform.go's Utf8Sanitizer for
// scrubbing invalid UTF-8 out of inbound bytes before they reach
// encoding/json.
type FrameCodec struct {
	r           *bufio.Reader
	w           io.Writer
	wmu         sync.Mutex
	maxFrame    int
	sanitizeBuf []byte
}

func NewFrameCodec(r io.Reader, w io.Writer, maxFrame int) *FrameCodec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &FrameCodec{
		r:        bufio.NewReaderSize(transform.NewReader(r, Utf8Sanitizer{}), 4096),
		w:        w,
		maxFrame: maxFrame,
	}
}

// ReadFrame returns the next frame's raw JSON bytes with the trailing
// "\r\n" or "\n" terminator stripped.
func (c *FrameCodec) ReadFrame() ([]byte, error) {
	var line string
	var err error

	line, err = read_line_limited(c.r, c.maxFrame)
	if err != nil {
		if err.Error() == fmt.Sprintf("line too long - exceeds %d bytes", c.maxFrame) {
			return nil, ErrFrameTooLarge(len(line), c.maxFrame)
		}
		return nil, err
	}

	line = trimTermination(line)
	if len(line) == 0 {
		return nil, ErrMalformedFrame("empty frame")
	}
	return []byte(line), nil
}

func trimTermination(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
		if n := len(s); n > 0 && s[n-1] == '\r' {
			s = s[:n-1]
		}
	}
	return s
}

// ReadMessage reads the next frame and decodes it into the
// classification envelope.
func (c *FrameCodec) ReadMessage() (*rawFrame, error) {
	var raw []byte
	var rf rawFrame
	var err error

	raw, err = c.ReadFrame()
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(raw, &rf); err != nil {
		return nil, ErrMalformedFrame("invalid JSON - %s", err.Error())
	}
	return &rf, nil
}

// WriteMessage marshals v and writes it followed by the canonical
// "\r\n" terminator. Safe for concurrent use by multiple goroutines
// sharing one connection's writer.
func (c *FrameCodec) WriteMessage(v interface{}) error {
	var body []byte
	var err error

	body, err = json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > c.maxFrame {
		return ErrFrameTooLarge(len(body), c.maxFrame)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err = c.w.Write(body); err != nil {
		return err
	}
	_, err = c.w.Write(Termination)
	return err
}

package langgraph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"agentdeck/internal/domain"
)

var (
	prefixEvent = []byte("event:")
	prefixData  = []byte("data:")
	doneMarker  = []byte("[DONE]")
)

// Decoder turns a byte stream of server-sent events into StreamFrames.
// It is not safe for concurrent use; each connection owns one decoder.
type Decoder struct {
	r         *bufio.Reader
	logger    *slog.Logger
	event     string
	done      bool
	err       error
	malformed int
}

// NewDecoder wraps r. A bufio.Reader is used rather than a Scanner so that
// snapshot lines of any size are accepted.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Malformed returns how many data payloads were skipped as invalid JSON.
func (d *Decoder) Malformed() int { return d.malformed }

// Next returns the next frame. It returns io.EOF when the input is exhausted
// or after the [DONE] frame was delivered. Other errors come from the
// underlying reader and are sticky.
func (d *Decoder) Next() (domain.StreamFrame, error) {
	for {
		if d.done {
			return domain.StreamFrame{}, io.EOF
		}
		if d.err != nil {
			return domain.StreamFrame{}, d.err
		}

		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.err = fmt.Errorf("%w: read: %w", domain.ErrStreamTransport, err)
				return domain.StreamFrame{}, d.err
			}
			d.err = io.EOF
			if len(line) == 0 {
				return domain.StreamFrame{}, io.EOF
			}
			// Unterminated final line: fall through and process it.
		}

		frame, ok := d.processLine(trimEOL(line))
		if ok {
			return frame, nil
		}
	}
}

func (d *Decoder) processLine(line []byte) (domain.StreamFrame, bool) {
	switch {
	case len(line) == 0, line[0] == ':':
		return domain.StreamFrame{}, false

	case bytes.HasPrefix(line, prefixEvent):
		d.event = string(bytes.TrimSpace(line[len(prefixEvent):]))
		return domain.StreamFrame{}, false

	case bytes.HasPrefix(line, prefixData):
		data := bytes.TrimSpace(line[len(prefixData):])
		if bytes.Equal(data, doneMarker) {
			d.done = true
			return domain.StreamFrame{Event: d.event, Done: true}, true
		}
		if !json.Valid(data) {
			d.malformed++
			d.logger.Warn("skipping malformed sse payload",
				"event", d.event,
				"bytes", len(data),
				"error", domain.ErrMalformedFrame,
			)
			return domain.StreamFrame{}, false
		}
		return domain.StreamFrame{Event: d.event, Data: json.RawMessage(data)}, true

	default:
		// id:, retry: and unknown fields carry nothing we use.
		return domain.StreamFrame{}, false
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

const maxEventSize = 4 * 1024 * 1024

// StreamReader decodes server-sent events into chunks. It is not
// restartable: once Next returns an error every later call returns the
// same error.
type StreamReader struct {
	scanner *bufio.Scanner
	seq     uint64
	err     error
}

// NewStreamReader wraps r. Events are separated by a blank line and each
// event's data lines hold one complete JSON object.
func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	scanner.Split(splitEvents)
	return &StreamReader{scanner: scanner}
}

// Next returns the next chunk, io.EOF at [DONE] or end of body, or a
// terminal STREAM_DECODE/TRANSPORT error.
func (s *StreamReader) Next(ctx context.Context) (ChatResponseChunk, error) {
	if s.err != nil {
		return ChatResponseChunk{}, s.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return ChatResponseChunk{}, s.fail(err)
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return ChatResponseChunk{}, s.fail(apperrors.Wrap(err, apperrors.ErrCodeTransport, "reading stream"))
			}
			return ChatResponseChunk{}, s.fail(io.EOF)
		}

		payload, ok := eventPayload(s.scanner.Bytes())
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return ChatResponseChunk{}, s.fail(io.EOF)
		}

		var chunk ChatResponseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return ChatResponseChunk{}, s.fail(apperrors.Wrap(err, apperrors.ErrCodeStreamDecode, "decoding chunk").
				WithContext("seq", s.seq+1))
		}
		s.seq++
		chunk.Seq = s.seq
		return chunk, nil
	}
}

func (s *StreamReader) fail(err error) error {
	s.err = err
	return err
}

// eventPayload joins the data lines of one event. Bare JSON without a
// data: prefix is accepted as well.
func eventPayload(event []byte) (string, bool) {
	text := strings.TrimSpace(string(event))
	if text == "" {
		return "", false
	}
	if strings.HasPrefix(text, "{") {
		return text, true
	}

	var parts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(parts) == 0 {
		return "", false
	}
	payload := strings.TrimSpace(strings.Join(parts, "\n"))
	return payload, payload != ""
}

func splitEvents(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, n := eventBoundary(data); i >= 0 {
		return i + n, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func eventBoundary(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// StreamHandlers receive the output of Consume.
type StreamHandlers struct {
	// OnChunk runs synchronously before the next read.
	OnChunk func(ChatResponseChunk)
	// OnAbort runs at most once, when ctx is cancelled mid-stream.
	OnAbort func()
}

// Consume reads body to completion, forwarding each chunk to OnChunk in
// arrival order. If body is an io.Closer it is closed on cancellation so a
// blocked read returns promptly. A cancelled stream returns an ABORTED
// error after OnAbort has run.
func Consume(ctx context.Context, body io.Reader, h StreamHandlers) error {
	var once sync.Once
	abort := func() error {
		once.Do(func() {
			if h.OnAbort != nil {
				h.OnAbort()
			}
		})
		return apperrors.Wrap(context.Cause(ctx), apperrors.ErrCodeAborted, "stream aborted")
	}

	if closer, ok := body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	reader := NewStreamReader(body)
	for {
		chunk, err := reader.Next(ctx)
		if ctx.Err() != nil {
			return abort()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if h.OnChunk != nil {
			h.OnChunk(chunk)
		}
	}
}

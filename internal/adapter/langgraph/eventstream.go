package langgraph

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"agentdeck/internal/domain"
)

// eventStream adapts an SSE response body into a domain.EventStream.
type eventStream struct {
	body       io.Closer
	decoder    *Decoder
	classifier *Classifier
	logger     *slog.Logger

	pending []domain.NormalizedEvent
	ended   bool

	closeOnce sync.Once
	closeErr  error
}

// NewEventStream decodes and classifies r. Closing the stream closes r when
// it implements io.Closer.
func NewEventStream(r io.Reader, logger *slog.Logger) domain.EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &eventStream{
		decoder:    NewDecoder(r, logger),
		classifier: NewClassifier(logger),
		logger:     logger,
	}
	if c, ok := r.(io.Closer); ok {
		s.body = c
	}
	return s
}

// Next returns the next normalized event. A stream that ends without an
// explicit end event still yields StreamEnded before io.EOF.
func (s *eventStream) Next() (domain.NormalizedEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if _, ok := ev.(domain.StreamEnded); ok {
				s.ended = true
				s.pending = nil
			}
			return ev, nil
		}
		if s.ended {
			return nil, io.EOF
		}

		frame, err := s.decoder.Next()
		if errors.Is(err, io.EOF) {
			s.ended = true
			if n := s.decoder.Malformed(); n > 0 {
				s.logger.Debug("stream finished with skipped frames", "malformed", n)
			}
			return domain.StreamEnded{}, nil
		}
		if err != nil {
			return nil, err
		}
		if frame.Done {
			continue
		}
		s.pending = s.classifier.Classify(frame)
	}
}

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
	})
	return s.closeErr
}

var _ domain.EventStream = (*eventStream)(nil)

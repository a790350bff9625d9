// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connection

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
)

// EventStream the writable end of one client event stream
type EventStream interface {
	// WriteEvent write and flush one framed event. A positive timeout bounds the write.
	WriteEvent(eventType string, data []byte, timeout time.Duration) error
	// Close stop accepting writes. Safe to call more than once.
	Close() error
	// Done closed once the stream is closed
	Done() <-chan struct{}
}

// sseStream server sent event framing over an HTTP response
type sseStream struct {
	writer     http.ResponseWriter
	controller *http.ResponseController
	lock       sync.Mutex
	nextID     uint64
	closed     bool
	done       chan struct{}
	// unbounded whether the writer was found to not support write deadlines
	unbounded bool
}

// NewSSEStream wrap a response writer as an event stream. The SSE response headers
// are sent with the first event, so the response stays usable for an error reply
// until then.
func NewSSEStream(w http.ResponseWriter) EventStream {
	return &sseStream{
		writer:     w,
		controller: http.NewResponseController(w),
		done:       make(chan struct{}),
	}
}

// FormatEvent frame one event. Each payload line becomes its own data line.
func FormatEvent(id uint64, eventType string, data []byte) []byte {
	var frame bytes.Buffer
	frame.WriteString("id: ")
	frame.WriteString(strconv.FormatUint(id, 10))
	frame.WriteString("\nevent: ")
	frame.WriteString(eventType)
	frame.WriteByte('\n')
	if len(data) == 0 {
		frame.WriteString("data: \n")
	}
	for len(data) > 0 {
		line := data
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line, data = data[:idx], data[idx+1:]
		} else {
			data = nil
		}
		frame.WriteString("data: ")
		frame.Write(bytes.TrimSuffix(line, []byte("\r")))
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return frame.Bytes()
}

func (s *sseStream) WriteEvent(eventType string, data []byte, timeout time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return common.ErrConnectionClosed
	}
	if timeout > 0 {
		err := s.controller.SetWriteDeadline(time.Now().Add(timeout))
		switch {
		case err == nil:
			defer func() { _ = s.controller.SetWriteDeadline(time.Time{}) }()
		case errors.Is(err, http.ErrNotSupported):
			if !s.unbounded {
				s.unbounded = true
				log.WithError(err).
					WithFields(log.Fields{"module": "connection", "component": "sse-stream"}).
					Warn("Write deadline unsupported, event writes are unbounded")
			}
		default:
			return err
		}
	}
	if s.nextID == 0 {
		header := s.writer.Header()
		header.Set("Connection", "keep-alive")
		header.Set("Cache-Control", "no-cache")
		header.Set("Content-Type", "text/event-stream")
		header.Set("X-Accel-Buffering", "no")
	}
	s.nextID++
	if _, err := s.writer.Write(FormatEvent(s.nextID, eventType, data)); err != nil {
		return err
	}
	return s.controller.Flush()
}

func (s *sseStream) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *sseStream) Done() <-chan struct{} {
	return s.done
}

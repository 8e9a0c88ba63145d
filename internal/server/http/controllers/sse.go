package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/streamerr"
)

// sseSink implements the WatchSink interface for Server-Sent Events.
//
// Headers are written on the first event so an error opening the stream
// can still be reported with a proper status code.
type sseSink struct {
	w       http.ResponseWriter
	r       *http.Request
	started bool
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

// Send writes one change event as an SSE data event with the resume token
// as its id.
func (s *sseSink) Send(doc changestream.Document) error {
	s.start()
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.write("", string(doc.ID), b)
}

func (s *sseSink) sendError(err error) error {
	s.start()
	_, body := streamerr.ToHTTP(err)
	b, _ := json.Marshal(body)
	if werr := s.write("error", "", b); werr != nil {
		return werr
	}
	return s.Flush()
}

func (s *sseSink) write(event, id string, data []byte) error {
	var buf []byte
	if event != "" {
		buf = append(buf, "event: "+event+"\n"...)
	}
	if id != "" {
		buf = append(buf, "id: "+id+"\n"...)
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	_, err := s.w.Write(buf)
	return err
}

// Context returns the request context for cancellation.
func (s *sseSink) Context() context.Context {
	return s.r.Context()
}

// Flush commits the headers and flushes the HTTP response writer if it
// supports flushing.
func (s *sseSink) Flush() error {
	s.start()
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

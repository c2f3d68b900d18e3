package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"chatgate/pkg/gate"
	"chatgate/pkg/quota"
	"chatgate/pkg/upstream"
)

var errNoFlusher = errors.New("response writer does not support flushing")

// handleChat runs the chat request path in strict order: bearer, directory,
// concurrency gate, quota reservation, upstream. The reservation is
// committed once the upstream accepts the request; the permit is held until
// the streamed response truly ends.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	rec, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 20*1024*1024))
	r.Body.Close()
	if err != nil || len(body) == 0 {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "empty or unreadable body")
		s.logRequest(r, http.StatusBadRequest, start)
		return
	}

	// Gate before quota: a request rejected here must not consume quota.
	permit, ok := s.gate.TryAcquire(rec.Name)
	if !ok {
		s.logger.Debug("concurrent request rejected", "user", rec.Name)
		writeTooManyRequests(w)
		s.logRequest(r, http.StatusTooManyRequests, start)
		return
	}

	reservation, err := s.ledger.Reserve(rec.Name)
	if err != nil {
		permit.Release()
		var exhausted *quota.ExhaustedError
		if errors.As(err, &exhausted) {
			s.logger.Warn("quota exhausted", "user", rec.Name)
			writeQuotaExhausted(w, exhausted)
			s.logRequest(r, http.StatusPaymentRequired, start)
			return
		}
		s.logger.Error("quota reservation failed", "user", rec.Name, "error", err.Error())
		writeInternalError(w)
		s.logRequest(r, http.StatusInternalServerError, start)
		return
	}

	stream, err := s.upstream.ChatStream(r.Context(), body)
	if err != nil {
		// No chargeable work happened: give the increment back.
		reservation.Refund()
		permit.Release()
		status := s.writeUpstreamError(w, err)
		s.logRequest(r, status, start)
		return
	}

	// Upstream accepted: the reservation is committed here and the permit now
	// belongs to the response stream.
	reservation.Commit()
	s.logger.Info("chat request accepted", "user", rec.Name, "model", upstream.Model(body))
	s.streamResponse(w, r, rec.Name, stream, permit, start)
}

// streamResponse forwards upstream bytes verbatim, flushing per chunk. The
// permit is released exactly once, when the copy loop exits: normal end,
// upstream error, or client cancellation.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, name string, stream io.ReadCloser, permit *gate.Permit, start time.Time) {
	defer permit.Release()
	defer stream.Close()

	// A client that goes away cancels the request context; closing the
	// upstream stream then unblocks a pending Read so the loop exits even
	// when no further chunk arrives.
	stopClose := context.AfterFunc(r.Context(), func() { stream.Close() })
	defer stopClose()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w)
		s.logger.Error("streaming unsupported", "error", errNoFlusher.Error())
		s.logRequest(r, http.StatusInternalServerError, start)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 32*1024)
	var streamed int64
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				s.logger.Debug("client went away mid-stream", "user", name)
				break
			}
			flusher.Flush()
			streamed += int64(n)
		}
		if readErr != nil {
			if readErr != io.EOF && r.Context().Err() == nil {
				// Mid-stream upstream failure: chargeable work occurred, so
				// the reservation stands.
				s.logger.Warn("upstream stream ended with error", "user", name, "error", readErr.Error())
			}
			break
		}
	}
	s.logger.Debug("stream complete", "user", name, "bytes", strconv.FormatInt(streamed, 10))
	s.logRequest(r, http.StatusOK, start)
}

// writeUpstreamError maps a pre-stream upstream failure onto the wire and
// returns the status used.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) int {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		writeAPIError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream connection timed out, retry after backoff")
		return http.StatusGatewayTimeout
	case errors.As(err, &statusErr):
		s.logger.Warn("upstream rejected request", "status", strconv.Itoa(statusErr.Status), "message", statusErr.Message)
		writeAPIError(w, http.StatusBadGateway, "upstream_error", statusErr.Message)
		return http.StatusBadGateway
	default:
		s.logger.Error("upstream request failed", "error", err.Error())
		writeAPIError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return http.StatusBadGateway
	}
}

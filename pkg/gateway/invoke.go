package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
)

// TraceHeader carries the trace id of an invocation in both directions.
const TraceHeader = "X-Trace-Id"

// handleInvoke runs one invocation. A stream request is answered with
// newline-delimited JSON frames ending in a done frame.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	w.Header().Set(TraceHeader, traceID)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Bool("stream", req.Stream).Bool("bypass_cache", req.BypassCache).Msg("Gateway received invocation")

	in := agent.Input{Input: req.Input, BypassCache: req.BypassCache}
	if req.Stream {
		result, err := s.streamInvoke(ctx, w, in, traceID)
		s.auditInvocation(ctx, r.RemoteAddr, "http_stream", result, err)
		return
	}

	result, err := s.invoker.Run(ctx, in)
	if err != nil {
		logger.Warn().Err(err).Msg("Invocation failed")
	}
	s.auditInvocation(ctx, r.RemoteAddr, "http", result, err)
	writeJSON(w, statusFor(err), invokeResponse(result, err, traceID))
}

func (s *Server) auditInvocation(ctx context.Context, actor, transport string, result *agent.Result, err error) {
	if s.audit == nil {
		return
	}
	metadata := map[string]interface{}{"transport": transport}
	if result != nil {
		metadata["state"] = string(result.State)
		metadata["iterations"] = result.Iterations
	}
	s.audit.RecordInvocation(ctx, actor, err, metadata)
}

func (s *Server) streamInvoke(ctx context.Context, w http.ResponseWriter, in agent.Input, traceID string) (*agent.Result, error) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	stream := s.invoker.Stream(ctx, in)
	defer stream.Close()

	enc := json.NewEncoder(w)
	var seq int64
	broken := false
	write := func(frame EventMessage) {
		if broken {
			return
		}
		seq++
		frame.Seq = seq
		if err := enc.Encode(frame); err != nil {
			broken = true
			stream.Close()
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Keep draining after a write failure so the producer can exit.
	for chunk := range stream.Chunks() {
		write(chunkFrame(chunk, "", traceID))
	}
	result, err := stream.Wait()
	write(doneFrame(result, err, "", traceID))
	return result, err
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	specs, err := s.tools.Specs(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	unavailable := s.tools.Unavailable()
	if unavailable == nil {
		unavailable = []string{}
	}
	writeJSON(w, http.StatusOK, ToolsResponse{Tools: specs, Unavailable: unavailable})
}

// statusFor maps an invocation error to a response code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, agent.ErrIterationLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func invokeResponse(result *agent.Result, err error, traceID string) InvokeResponse {
	resp := InvokeResponse{TraceID: traceID, Messages: []agent.Message{}}
	if result != nil {
		resp.Content = result.Content
		resp.Final = result.Final
		resp.State = result.State
		resp.Iterations = result.Iterations
		resp.Usage = result.Usage
		if result.Session != nil {
			resp.Messages = result.Session.Messages()
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func chunkFrame(chunk agent.Chunk, id, traceID string) EventMessage {
	return EventMessage{
		Type:      string(chunk.Type),
		ID:        id,
		Payload:   chunk.Payload,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
	}
}

func doneFrame(result *agent.Result, err error, id, traceID string) EventMessage {
	payload := DonePayload{}
	if result != nil {
		payload.Content = result.Content
		payload.State = result.State
		payload.Iterations = result.Iterations
		payload.Usage = result.Usage
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return EventMessage{
		Type:      FrameDone,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
	}
}

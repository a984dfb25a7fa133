package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// ErrRequestInProgress is returned when a model already has a pending request.
var ErrRequestInProgress = errors.New("a request is already in progress")

// SendOptions describes a new request.
type SendOptions struct {
	SessionID   string
	Message     string
	Attachments []agent.Attachment
	Document    agent.DocumentContext
}

// Service runs agent invocations for chat models. At most one request per
// model is in flight.
type Service struct {
	agent agent.Agent
	log   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*pending
}

type pending struct {
	request *Request
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates a chat service backed by a.
func NewService(a agent.Agent) *Service {
	return &Service{
		agent:    a,
		log:      logging.Component("chat"),
		inflight: make(map[string]*pending),
	}
}

// Agent returns the backing agent.
func (s *Service) Agent() agent.Agent { return s.agent }

// SendRequest adds a request to m and starts producing its response. The
// response outlives ctx; use CancelCurrentRequest to stop it.
func (s *Service) SendRequest(ctx context.Context, m *Model, opts SendOptions) (*Request, error) {
	s.mu.Lock()
	if _, busy := s.inflight[m.ID()]; busy {
		s.mu.Unlock()
		return nil, ErrRequestInProgress
	}
	// reserve the slot before the request becomes visible to listeners
	p := &pending{done: make(chan struct{})}
	s.inflight[m.ID()] = p
	s.mu.Unlock()

	history := s.history(m)
	req := m.AddRequest(opts.Message, opts.Attachments)
	req.document = opts.Document

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	p.request = req
	p.cancel = cancel
	s.mu.Unlock()

	areq := &agent.Request{
		SessionID:   opts.SessionID,
		RequestID:   req.ID,
		Message:     opts.Message,
		Attachments: opts.Attachments,
		Document:    opts.Document,
		History:     history,
	}
	go s.run(runCtx, m, p, areq)
	return req, nil
}

func (s *Service) run(ctx context.Context, m *Model, p *pending, areq *agent.Request) {
	req := p.request
	defer func() {
		s.mu.Lock()
		if s.inflight[m.ID()] == p {
			delete(s.inflight, m.ID())
		}
		s.mu.Unlock()
		close(p.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("requestID", req.ID).Msg("agent panicked")
			req.Response.Complete(&Result{ErrorDetails: &ErrorDetails{Message: fmt.Sprint(r)}})
		}
	}()

	s.log.Debug().Str("requestID", req.ID).Str("agent", s.agent.ID()).Msg("invoking agent")
	err := s.agent.Invoke(ctx, areq, &sink{model: m, response: req.Response})

	switch {
	case ctx.Err() != nil:
		req.Response.Cancel()
	case err != nil:
		details := &ErrorDetails{Message: err.Error()}
		var agentErr *agent.Error
		if errors.As(err, &agentErr) {
			details.Known = true
			details.ResponseIsFiltered = agentErr.Filtered
		}
		s.log.Warn().Err(err).Str("requestID", req.ID).Msg("request failed")
		req.Response.Complete(&Result{ErrorDetails: details})
	default:
		req.Response.Complete(&Result{})
	}
}

func (s *Service) history(m *Model) []agent.Exchange {
	var out []agent.Exchange
	for _, r := range m.Requests() {
		if !r.Response.IsComplete() {
			continue
		}
		out = append(out, agent.Exchange{Message: r.Message, Response: r.Response.Text()})
	}
	return out
}

// CancelCurrentRequest stops the in-flight request of m, if any. The
// response is marked canceled right away; output the agent still produces is
// dropped.
func (s *Service) CancelCurrentRequest(m *Model) {
	s.mu.Lock()
	p, ok := s.inflight[m.ID()]
	s.mu.Unlock()
	if ok && p.request != nil {
		p.cancel()
		p.request.Response.Cancel()
	}
}

// HasPendingRequest reports whether m has a request being produced.
func (s *Service) HasPendingRequest(m *Model) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[m.ID()]
	return ok
}

// RemoveRequest cancels and removes a request.
func (s *Service) RemoveRequest(m *Model, requestID string) bool {
	s.cancelIfCurrent(m, requestID)
	return m.RemoveRequest(requestID, RemovalReasonRemoved)
}

// ResendRequest removes a request and sends its message again.
func (s *Service) ResendRequest(ctx context.Context, m *Model, requestID string, sessionID string) (*Request, error) {
	old := m.Request(requestID)
	if old == nil {
		return nil, fmt.Errorf("request not found: %s", requestID)
	}
	if p := s.cancelIfCurrent(m, requestID); p != nil {
		<-p.done
	}
	old.Response.Cancel()
	m.RemoveRequest(requestID, RemovalReasonResend)

	return s.SendRequest(ctx, m, SendOptions{
		SessionID:   sessionID,
		Message:     old.Message,
		Attachments: old.Attachments,
		Document:    old.document,
	})
}

func (s *Service) cancelIfCurrent(m *Model, requestID string) *pending {
	s.mu.Lock()
	p, ok := s.inflight[m.ID()]
	s.mu.Unlock()
	if !ok || p.request == nil || p.request.ID != requestID {
		return nil
	}
	p.cancel()
	return p
}

// sink feeds agent output into a response.
type sink struct {
	model    *Model
	response *Response
}

func (k *sink) Text(text string) { k.response.AppendText(text) }

func (k *sink) Edits(uri string, edits []types.TextEdit) { k.response.PushEdits(uri, edits) }

func (k *sink) Move(uri string, r types.Range) {
	if k.response.IsComplete() {
		return
	}
	k.response.AddMove(uri, r)
	k.model.Move(uri, r)
}

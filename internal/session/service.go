package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/diff"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/internal/storage"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

const (
	// RetryInitialInterval is the first wait before retrying session creation.
	RetryInitialInterval = 200 * time.Millisecond
	// RetryMaxInterval caps the wait between retries.
	RetryMaxInterval = 5 * time.Second
	// DefaultCreateRetries is used when the config sets no retry count.
	DefaultCreateRetries = 2
)

// ErrExcluded is returned for documents matched by an exclude pattern.
var ErrExcluded = errors.New("inline chat is disabled for this document")

// Hints steer session creation.
type Hints struct {
	// Selection is the user's selection; zero means the cursor line.
	Selection types.Range
	// WholeRange overrides the range chosen by the agent.
	WholeRange *types.Range
	// Transfer continues the conversation of another session, used when a
	// response moves the session to a new document.
	Transfer *Session
}

// Service creates and tracks sessions. There is at most one session per
// document.
type Service struct {
	agent   agent.Agent
	storage *storage.Storage
	bus     *event.Bus
	config  types.InlineChatConfig
	dir     string
	log     zerolog.Logger

	retryInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	stashed  map[string]*StashedSession
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStorage persists released sessions.
func WithStorage(store *storage.Storage, directory string) ServiceOption {
	return func(s *Service) {
		s.storage = store
		s.dir = directory
	}
}

// WithBus publishes session lifecycle events.
func WithBus(bus *event.Bus) ServiceOption {
	return func(s *Service) { s.bus = bus }
}

// WithRetryInterval sets the initial backoff of creation retries.
func WithRetryInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.retryInterval = d }
}

// NewService creates a session service.
func NewService(a agent.Agent, config types.InlineChatConfig, opts ...ServiceOption) *Service {
	s := &Service{
		agent:         a,
		config:        config,
		log:           logging.Component("session"),
		retryInterval: RetryInitialInterval,
		sessions:      make(map[string]*Session),
		stashed:       make(map[string]*StashedSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the inline chat settings the service was created with.
func (s *Service) Config() types.InlineChatConfig { return s.config }

// CreateSession starts a session on doc. It returns nil without error when the
// agent declines.
func (s *Service) CreateSession(ctx context.Context, doc *textmodel.Model, hints Hints) (*Session, error) {
	if err := s.checkExcluded(doc.URI()); err != nil {
		return nil, err
	}

	selection := hints.Selection
	if selection == (types.Range{}) {
		selection = types.NewRange(1, 1, 1, 1)
	}

	prepared, err := s.prepare(ctx, &agent.PrepareRequest{
		URI:       doc.URI(),
		Text:      doc.Text(),
		Selection: selection,
	})
	if err != nil {
		return nil, err
	}
	if prepared == nil {
		s.log.Debug().Str("uri", doc.URI()).Msg("agent declined session")
		return nil, nil
	}

	wholeRange := prepared.WholeRange
	if hints.WholeRange != nil {
		wholeRange = *hints.WholeRange
	}
	if wholeRange == (types.Range{}) {
		wholeRange = selection
	}

	opts := Options{
		ID:          ulid.Make().String(),
		ProjectID:   hashDirectory(s.dir),
		Placeholder: prepared.Placeholder,
		Diff: diff.Options{
			IgnoreTrimWhitespace: s.config.Diff.IgnoreTrimWhitespace,
			MaxComputationTime:   time.Duration(s.config.Diff.MaxComputationTimeMs) * time.Millisecond,
		},
	}
	if hints.Transfer != nil {
		opts.Chat = hints.Transfer.Chat()
	}

	sess, err := New(doc, wholeRange, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	s.mu.Lock()
	if old := s.stashed[doc.URI()]; old != nil {
		delete(s.stashed, doc.URI())
		defer old.Dispose()
	}
	s.sessions[doc.URI()] = sess
	s.mu.Unlock()

	s.log.Info().Str("sessionID", sess.ID()).Str("uri", doc.URI()).Msg("session created")
	s.publish(event.SessionStarted, event.SessionStartedData{SessionID: sess.ID(), URI: doc.URI()})
	return sess, nil
}

func (s *Service) prepare(ctx context.Context, req *agent.PrepareRequest) (*agent.Prepared, error) {
	retries := s.config.CreateRetries
	if retries <= 0 {
		retries = DefaultCreateRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = RetryMaxInterval
	b.Reset()

	var prepared *agent.Prepared
	op := func() error {
		p, err := s.agent.Prepare(ctx, req)
		if err == nil {
			prepared = p
			return nil
		}
		var agentErr *agent.Error
		if errors.As(err, &agentErr) && agentErr.Transient {
			s.log.Warn().Err(err).Str("uri", req.URI).Msg("session creation failed, retrying")
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)); err != nil {
		return nil, err
	}
	return prepared, nil
}

func (s *Service) checkExcluded(uri string) error {
	path := strings.TrimPrefix(uri, "file://")
	candidates := []string{path, strings.TrimPrefix(path, "/"), filepath.Base(path)}
	for _, pattern := range s.config.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			s.log.Warn().Str("pattern", pattern).Msg("invalid exclude pattern")
			continue
		}
		for _, c := range candidates {
			if ok, _ := doublestar.Match(pattern, c); ok {
				return fmt.Errorf("%w: %s", ErrExcluded, path)
			}
		}
	}
	return nil
}

// GetSession returns the active session of a document.
func (s *Service) GetSession(uri string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[uri]
}

// ReleaseSession ends a session for good and records its outcome.
func (s *Service) ReleaseSession(sess *Session, outcome types.SessionOutcome) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	if s.sessions[sess.URI()] == sess {
		delete(s.sessions, sess.URI())
	}
	s.mu.Unlock()

	s.finish(sess, outcome)
}

func (s *Service) finish(sess *Session, outcome types.SessionOutcome) {
	sess.dispose()
	rec := sess.Record(outcome)

	if s.storage != nil {
		// persistence failures must not affect the editing flow
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.storage.Put(ctx, storage.SessionKey(rec.ProjectID, rec.ID), rec); err != nil {
			s.log.Error().Err(err).Str("sessionID", rec.ID).Msg("failed to persist session")
		}
	}

	s.log.Info().Str("sessionID", sess.ID()).Str("outcome", string(outcome)).Msg("session released")
	s.publish(event.SessionEnded, event.SessionEndedData{SessionID: sess.ID(), URI: sess.URI(), Outcome: outcome})
}

// StashSession parks a canceled session. revertEdits redo what the cancel
// reverted. The stash is dropped as soon as the document changes.
func (s *Service) StashSession(sess *Session, anchor types.Position, revertEdits []types.TextEdit) *StashedSession {
	st := &StashedSession{
		service: s,
		session: sess,
		anchor:  anchor,
		redo:    revertEdits,
		version: sess.TextModelN().VersionID(),
	}

	s.mu.Lock()
	if s.sessions[sess.URI()] == sess {
		delete(s.sessions, sess.URI())
	}
	previous := s.stashed[sess.URI()]
	s.stashed[sess.URI()] = st
	s.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}
	unsub := sess.TextModelN().Subscribe(func(textmodel.ChangeEvent) { st.Dispose() })
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		unsub()
	} else {
		st.unsub = unsub
		st.mu.Unlock()
	}
	s.log.Debug().Str("sessionID", sess.ID()).Msg("session stashed")
	return st
}

// Stashed returns the stash of a document, if any.
func (s *Service) Stashed(uri string) *StashedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stashed[uri]
}

func (s *Service) dropStash(st *StashedSession) {
	s.mu.Lock()
	if s.stashed[st.session.URI()] == st {
		delete(s.stashed, st.session.URI())
	}
	s.mu.Unlock()
}

func (s *Service) adopt(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.URI()] = sess
	s.mu.Unlock()
}

// History lists the persisted records of this project, newest first.
func (s *Service) History(ctx context.Context) ([]types.SessionRecord, error) {
	if s.storage == nil {
		return nil, nil
	}
	var records []types.SessionRecord
	err := s.storage.Scan(ctx, storage.ProjectKey(hashDirectory(s.dir)), func(_ string, data json.RawMessage) error {
		var rec types.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Time.Released > records[j].Time.Released
	})
	return records, nil
}

// Record returns one persisted session of this project.
func (s *Service) Record(ctx context.Context, id string) (*types.SessionRecord, error) {
	if s.storage == nil {
		return nil, storage.ErrNotFound
	}
	var rec types.SessionRecord
	if err := s.storage.Get(ctx, storage.SessionKey(hashDirectory(s.dir), id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClearHistory deletes every persisted session of this project and returns
// how many were removed.
func (s *Service) ClearHistory(ctx context.Context) (int, error) {
	if s.storage == nil {
		return 0, nil
	}
	project := hashDirectory(s.dir)
	var ids []string
	err := s.storage.Scan(ctx, storage.ProjectKey(project), func(name string, _ json.RawMessage) error {
		ids = append(ids, name)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.storage.Delete(ctx, storage.SessionKey(project, id)); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

func (s *Service) publish(t event.EventType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: t, Data: data})
}

// hashDirectory generates a project ID from a directory path.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

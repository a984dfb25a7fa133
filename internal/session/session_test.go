package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/storage"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

type flakyAgent struct {
	agent.ScriptAgent
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (a *flakyAgent) ID() string { return "flaky" }

func (a *flakyAgent) Prepare(ctx context.Context, req *agent.PrepareRequest) (*agent.Prepared, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.calls <= a.failures {
		return nil, &agent.Error{Message: "busy", Transient: true}
	}
	return &agent.Prepared{WholeRange: req.Selection, Placeholder: "edit"}, nil
}

func newTestService(t *testing.T, a agent.Agent, cfg types.InlineChatConfig, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append(opts, WithRetryInterval(time.Millisecond))
	return NewService(a, cfg, opts...)
}

func TestSelfEditGuard(t *testing.T) {
	doc := textmodel.New("file:///a.go", "a\n")
	sess, err := New(doc, types.NewRange(1, 1, 1, 2), Options{ID: "s"})
	require.NoError(t, err)

	assert.False(t, sess.IgnoringChanges())
	g1 := sess.BeginSelfEdit()
	g2 := sess.BeginSelfEdit()
	assert.True(t, g1.Held())
	assert.True(t, sess.IgnoringChanges())

	g1.Release()
	g1.Release()
	assert.False(t, g1.Held())
	assert.True(t, sess.IgnoringChanges())

	g2.Release()
	assert.False(t, sess.IgnoringChanges())

	var nilGuard *SelfEditGuard
	assert.False(t, nilGuard.Held())
	nilGuard.Release()
}

func TestSelfEditGuard_AdvanceRequiresHeldGuard(t *testing.T) {
	doc := textmodel.New("file:///a.go", "a\n")
	sess, err := New(doc, types.NewRange(1, 1, 1, 1), Options{})
	require.NoError(t, err)

	state := types.NewEditGroupState(doc.Checksum())
	g := sess.BeginSelfEdit()
	require.NoError(t, state.Advance(g, 2))
	g.Release()
	assert.ErrorIs(t, state.Advance(g, 1), types.ErrGuardNotHeld)
	assert.Equal(t, 2, state.Applied())
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name                   string
		off, removed, inserted int
		wantStart, wantEnd     int
	}{
		{"insert before", 2, 0, 3, 13, 23},
		{"delete before", 0, 5, 0, 5, 15},
		{"insert after", 25, 0, 4, 10, 20},
		{"insert at start grows", 10, 0, 2, 10, 22},
		{"insert at end grows", 20, 0, 2, 10, 22},
		{"replace inside", 12, 3, 1, 10, 18},
		{"overlap start", 8, 4, 0, 8, 16},
		{"overlap end", 18, 5, 1, 10, 19},
		{"swallow", 5, 20, 3, 5, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := adjust(10, 20, tt.off, tt.removed, tt.inserted)
			assert.Equal(t, tt.wantStart, s)
			assert.Equal(t, tt.wantEnd, e)
		})
	}
}

func TestRangeTracker_FollowsEdits(t *testing.T) {
	doc := textmodel.New("file:///a.go", "one\ntwo\nthree\n")
	tr, err := NewRangeTracker(doc, types.NewRange(2, 1, 2, 4))
	require.NoError(t, err)
	defer tr.Dispose()

	var seen []types.Range
	tr.Subscribe(func(r types.Range) { seen = append(seen, r) })

	require.NoError(t, doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "zero\n"}}))
	assert.Equal(t, types.NewRange(3, 1, 3, 4), tr.Range())

	require.NoError(t, doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(3, 4, 3, 4), Text: "\nmore"}}))
	assert.Equal(t, types.NewRange(3, 1, 4, 5), tr.Range())

	// edits after the range leave it alone
	require.NoError(t, doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(5, 1, 5, 1), Text: "x"}}))
	assert.Equal(t, types.NewRange(3, 1, 4, 5), tr.Range())
	assert.Len(t, seen, 2)

	tr.Dispose()
	require.NoError(t, doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "\n"}}))
	assert.Len(t, seen, 2)
}

func TestService_CreateAndRelease(t *testing.T) {
	dir := t.TempDir()
	store := storage.New(dir)
	bus := event.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var events []event.EventType
	record := func(e event.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	}
	bus.Subscribe(event.SessionStarted, record)
	bus.Subscribe(event.SessionEnded, record)

	svc := newTestService(t, agent.NewScriptAgent(agent.Script{Placeholder: "Ask"}),
		types.InlineChatConfig{}, WithStorage(store, "/project"), WithBus(bus))

	doc := textmodel.New("file:///project/a.go", "a\nb\n")
	sess, err := svc.CreateSession(context.Background(), doc, Hints{Selection: types.NewRange(1, 1, 2, 2)})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "Ask", sess.Placeholder())
	assert.Equal(t, types.NewRange(1, 1, 2, 2), sess.WholeRange().Range())
	assert.Same(t, sess, svc.GetSession(doc.URI()))
	assert.Equal(t, doc.Text(), sess.TextModel0().Text())
	assert.NotSame(t, doc, sess.TextModel0())

	sess.Chat().AddRequest("hello", nil)
	svc.ReleaseSession(sess, types.OutcomeAccepted)
	assert.Nil(t, svc.GetSession(doc.URI()))

	history, err := svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sess.ID(), history[0].ID)
	assert.Equal(t, types.OutcomeAccepted, history[0].Outcome)
	require.Len(t, history[0].Requests, 1)
	assert.Equal(t, "hello", history[0].Requests[0].Message)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, time.Millisecond)
}

func TestService_RecordAndClearHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}),
		types.InlineChatConfig{}, WithStorage(storage.New(t.TempDir()), "/project"))

	var ids []string
	for _, name := range []string{"a.go", "b.go"} {
		doc := textmodel.New("file:///project/"+name, "x\n")
		sess, err := svc.CreateSession(ctx, doc, Hints{})
		require.NoError(t, err)
		svc.ReleaseSession(sess, types.OutcomeDiscarded)
		ids = append(ids, sess.ID())
	}

	rec, err := svc.Record(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "file:///project/b.go", rec.URI)
	assert.Equal(t, types.OutcomeDiscarded, rec.Outcome)

	_, err = svc.Record(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := svc.ClearHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	history, err := svc.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = svc.Record(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_TransferKeepsChat(t *testing.T) {
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}), types.InlineChatConfig{})

	a, err := svc.CreateSession(context.Background(), textmodel.New("file:///a.go", "a"), Hints{})
	require.NoError(t, err)
	b, err := svc.CreateSession(context.Background(), textmodel.New("file:///b.go", "b"), Hints{Transfer: a})
	require.NoError(t, err)
	assert.Same(t, a.Chat(), b.Chat())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestService_Excluded(t *testing.T) {
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}),
		types.InlineChatConfig{Exclude: []string{"**/vendor/**", "*.min.js"}})

	_, err := svc.CreateSession(context.Background(), textmodel.New("file:///p/vendor/x/y.go", ""), Hints{})
	assert.ErrorIs(t, err, ErrExcluded)

	_, err = svc.CreateSession(context.Background(), textmodel.New("file:///p/web/app.min.js", ""), Hints{})
	assert.ErrorIs(t, err, ErrExcluded)

	sess, err := svc.CreateSession(context.Background(), textmodel.New("file:///p/main.go", ""), Hints{})
	assert.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestService_Declined(t *testing.T) {
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{Decline: true}), types.InlineChatConfig{})
	sess, err := svc.CreateSession(context.Background(), textmodel.New("file:///a.go", ""), Hints{})
	assert.NoError(t, err)
	assert.Nil(t, sess)
}

func TestService_RetriesTransientFailures(t *testing.T) {
	a := &flakyAgent{failures: 2}
	svc := newTestService(t, a, types.InlineChatConfig{CreateRetries: 3})

	sess, err := svc.CreateSession(context.Background(), textmodel.New("file:///a.go", "x"), Hints{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 3, a.calls)
}

func TestService_GivesUpOnPermanentFailure(t *testing.T) {
	a := &flakyAgent{err: errors.New("boom")}
	svc := newTestService(t, a, types.InlineChatConfig{CreateRetries: 3})

	_, err := svc.CreateSession(context.Background(), textmodel.New("file:///a.go", "x"), Hints{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, a.calls)
}

func TestService_RetriesExhausted(t *testing.T) {
	a := &flakyAgent{failures: 10}
	svc := newTestService(t, a, types.InlineChatConfig{CreateRetries: 1})

	_, err := svc.CreateSession(context.Background(), textmodel.New("file:///a.go", "x"), Hints{})
	var agentErr *agent.Error
	require.True(t, errors.As(err, &agentErr))
	assert.True(t, agentErr.Transient)
	assert.Equal(t, 2, a.calls)
}

// startEdited creates a session and writes one change to the live document.
func startEdited(t *testing.T, svc *Service) (*Session, types.TextEdit) {
	t.Helper()
	doc := textmodel.New("file:///a.go", "one\ntwo\n")
	sess, err := svc.CreateSession(context.Background(), doc, Hints{Selection: types.NewRange(2, 1, 2, 4)})
	require.NoError(t, err)

	edit := types.TextEdit{Range: types.NewRange(2, 1, 2, 4), Text: "TWO"}
	g := sess.BeginSelfEdit()
	require.NoError(t, doc.ApplyEdits([]types.TextEdit{edit}))
	g.Release()
	require.NoError(t, sess.RecomputeHunks())
	return sess, edit
}

func TestStash_Unstash(t *testing.T) {
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}), types.InlineChatConfig{})
	sess, edit := startEdited(t, svc)
	doc := sess.TextModelN()

	// revert like a cancel would
	g := sess.BeginSelfEdit()
	require.True(t, doc.UndoTo(1))
	g.Release()
	require.Equal(t, "one\ntwo\n", doc.Text())

	st := svc.StashSession(sess, types.Position{Line: 2, Column: 1}, []types.TextEdit{edit})
	assert.Nil(t, svc.GetSession(doc.URI()))
	assert.Same(t, st, svc.Stashed(doc.URI()))

	got, err := st.Unstash()
	require.NoError(t, err)
	require.Same(t, sess, got)
	assert.True(t, got.IsUnstashed())
	assert.Equal(t, "one\nTWO\n", doc.Text())
	assert.Equal(t, 1, got.Hunks().Pending())
	assert.Same(t, sess, svc.GetSession(doc.URI()))
	assert.Nil(t, svc.Stashed(doc.URI()))

	// a stash is single use
	again, err := st.Unstash()
	assert.NoError(t, err)
	assert.Nil(t, again)
}

func TestStash_InvalidatedByEdit(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}), types.InlineChatConfig{}, WithStorage(storage.New(dir), "/p"))
	sess, edit := startEdited(t, svc)
	doc := sess.TextModelN()

	st := svc.StashSession(sess, types.Position{Line: 2, Column: 1}, []types.TextEdit{edit})
	require.NoError(t, doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "//"}}))

	assert.Nil(t, svc.Stashed(doc.URI()))
	got, err := st.Unstash()
	assert.NoError(t, err)
	assert.Nil(t, got)

	history, err := svc.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.OutcomeStashed, history[0].Outcome)
}

func TestStash_NewSessionDropsStash(t *testing.T) {
	svc := newTestService(t, agent.NewScriptAgent(agent.Script{}), types.InlineChatConfig{})
	sess, edit := startEdited(t, svc)

	st := svc.StashSession(sess, types.Position{Line: 1, Column: 1}, []types.TextEdit{edit})
	_, err := svc.CreateSession(context.Background(), sess.TextModelN(), Hints{})
	require.NoError(t, err)

	got, err := st.Unstash()
	assert.NoError(t, err)
	assert.Nil(t, got)
}

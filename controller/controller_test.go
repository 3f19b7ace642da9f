package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"amicable-orchestrator/agent"
	"amicable-orchestrator/checkpoint"
	"amicable-orchestrator/journal"
	"amicable-orchestrator/qa"
	"amicable-orchestrator/sandbox"
	"amicable-orchestrator/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent replays scripted run results and records the conversations
// it was handed.
type fakeAgent struct {
	results  []agent.RunResult
	resumed  *agent.RunResult
	errs     []error
	calls    int
	runInput [][]types.ChatMessage
	history  []types.ChatMessage
}

func (f *fakeAgent) Run(_ context.Context, messages []types.ChatMessage) (*agent.RunResult, error) {
	f.runInput = append(f.runInput, messages)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.results) {
		return nil, fmt.Errorf("fakeAgent exhausted after %d runs", i)
	}
	res := f.results[i]
	if res.Messages == nil {
		res.Messages = append(messages, types.ChatMessage{Role: "assistant", Content: res.FinalText})
	}
	return &res, nil
}

func (f *fakeAgent) Resume(context.Context, *types.HITLResponse) (*agent.RunResult, error) {
	if f.resumed == nil {
		return nil, fmt.Errorf("nothing to resume")
	}
	return f.resumed, nil
}

func (f *fakeAgent) Messages(context.Context) ([]types.ChatMessage, error) {
	return f.history, nil
}

// qaBackend scripts QA command exit codes by substring match. When
// failCount is positive each matching command fails and decrements it,
// so a failure can clear after N rounds.
type qaBackend struct {
	files     map[string]string
	failSub   string
	failExit  int
	failOut   string
	failCount int
	execs     []string
}

func (b *qaBackend) Execute(_ context.Context, command string) (*sandbox.ExecResult, error) {
	b.execs = append(b.execs, command)
	if b.failSub != "" && strings.Contains(command, b.failSub) && b.failCount != 0 {
		if b.failCount > 0 {
			b.failCount--
		}
		return &sandbox.ExecResult{Stdout: b.failOut, ExitCode: b.failExit}, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (b *qaBackend) DownloadFiles(_ context.Context, paths []string) ([]sandbox.FileDownload, error) {
	out := make([]sandbox.FileDownload, 0, len(paths))
	for _, p := range paths {
		content, ok := b.files[p]
		if !ok {
			out = append(out, sandbox.FileDownload{Path: p, Error: "not found"})
			continue
		}
		out = append(out, sandbox.FileDownload{Path: p, Content: []byte(content)})
	}
	return out, nil
}

func (b *qaBackend) Manifest(context.Context, string) ([]sandbox.ManifestEntry, error) {
	return nil, nil
}
func (b *qaBackend) UploadFiles(context.Context, []sandbox.FileUpload) error { return nil }
func (b *qaBackend) LsInfo(context.Context, string) (string, error)          { return "", nil }
func (b *qaBackend) Read(context.Context, string, int, int) (string, error)  { return "", nil }
func (b *qaBackend) GrepRaw(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (b *qaBackend) GlobInfo(context.Context, string, string) ([]string, error) { return nil, nil }

type frameRecorder struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (r *frameRecorder) emit(f types.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *frameRecorder) byType(t string) []types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type syncRecorder struct {
	calls  []string
	pushed bool
	sha    string
	err    error
}

func (s *syncRecorder) fn(_ context.Context, commitMessage string) (bool, string, error) {
	s.calls = append(s.calls, commitMessage)
	if s.err != nil {
		return false, "", s.err
	}
	return s.pushed, s.sha, nil
}

func newController(t *testing.T, ag EditAgent, backend sandbox.Backend, qaOpts qa.Options, sync *syncRecorder, heal *qa.AutoHealState) (*Controller, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	var syncFn SyncFunc
	if sync != nil {
		syncFn = sync.fn
	}
	c := New(Options{
		SessionID:     "sess-1",
		Agent:         ag,
		QAEngine:      qa.NewEngine(backend, qaOpts),
		AutoHeal:      heal,
		MaxHealRounds: 2,
		Sync:          syncFn,
		Stream:        agent.NewStreamAdapter("sess-1", rec.emit),
		Journal:       journal.New(nil),
		Checkpointer:  checkpoint.NewMemory(),
	})
	return c, rec
}

func TestHappyPathSyncsAndCompletes(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{{FinalText: "Changed the button color."}}}
	sync := &syncRecorder{pushed: true, sha: "abc123"}
	c, rec := newController(t, ag, &qaBackend{}, qa.Options{Enabled: false}, sync, nil)

	state, err := c.Run(context.Background(), "Make the button blue")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.FinalStatus)
	assert.True(t, state.QAPassed)
	assert.True(t, state.GitPushed)
	assert.Equal(t, "abc123", state.GitCommit)

	require.Len(t, sync.calls, 1)
	assert.Contains(t, sync.calls[0], "Make the button blue")

	completed := rec.byType(types.FrameUpdateCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, StatusCompleted, completed[0].Data["status"])
}

func TestInterruptSuspendsBeforeQAAndSync(t *testing.T) {
	pending := &types.PendingHITL{InterruptID: "int-1"}
	ag := &fakeAgent{
		results: []agent.RunResult{{
			Interrupted: true,
			Pending:     pending,
			Messages:    []types.ChatMessage{{Role: "user", Content: "clean up"}},
		}},
		resumed: &agent.RunResult{
			FinalText: "Cleaned.",
			Messages: []types.ChatMessage{
				{Role: "user", Content: "clean up"},
				{Role: "assistant", Content: "Cleaned."},
			},
		},
	}
	sync := &syncRecorder{pushed: true, sha: "def456"}
	c, _ := newController(t, ag, &qaBackend{}, qa.Options{Enabled: false}, sync, nil)

	state, err := c.Run(context.Background(), "clean up")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, state.FinalStatus)
	assert.Empty(t, sync.calls, "no sync while suspended")

	// A new user message is rejected while the interrupt is open.
	_, err = c.Run(context.Background(), "something else")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending HITL interrupt")

	resumed, err := c.Resume(context.Background(), &types.HITLResponse{
		InterruptID: "int-1",
		Decisions:   []types.HITLDecision{{Type: types.DecisionApprove}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.FinalStatus)
	require.Len(t, sync.calls, 1)
}

func TestSelfHealRoundFixesQAFailure(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{
		{FinalText: "Done."},
		{FinalText: "Fixed the lint error."},
	}}
	backend := &qaBackend{
		files:     map[string]string{"/package.json": `{"scripts":{"lint":"eslint ."}}`},
		failSub:   "lint",
		failExit:  1,
		failOut:   "semi: missing semicolon at src/app.ts:3",
		failCount: 1, // first QA pass fails, second passes
	}
	sync := &syncRecorder{pushed: true, sha: "aaa111"}
	c, _ := newController(t, ag, backend, qa.Options{Enabled: true}, sync, nil)

	state, err := c.Run(context.Background(), "tidy the code")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.FinalStatus)
	assert.Equal(t, 1, state.Attempt)
	assert.True(t, state.QAPassed)
	require.Len(t, sync.calls, 1)

	// The heal prompt handed to the second run carries the failure output
	// and the stack hint.
	require.Len(t, ag.runInput, 2)
	secondInput := ag.runInput[1]
	last := secondInput[len(secondInput)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "missing semicolon")
	assert.Contains(t, last.Content, "npm install")
}

func TestFailSummaryAfterExhaustedRounds(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{
		{FinalText: "Done."},
		{FinalText: "Tried again."},
		{FinalText: "Tried once more."},
	}}
	backend := &qaBackend{
		files:     map[string]string{"/package.json": `{"scripts":{"lint":"eslint ."}}`},
		failSub:   "lint",
		failExit:  1,
		failOut:   "broken",
		failCount: -1,
	}
	sync := &syncRecorder{pushed: true, sha: "ccc333"}
	c, rec := newController(t, ag, backend, qa.Options{Enabled: true}, sync, nil)

	state, err := c.Run(context.Background(), "tidy")
	require.NoError(t, err)
	assert.Equal(t, StatusQAFailed, state.FinalStatus)
	assert.Equal(t, 2, state.Attempt)
	assert.False(t, state.QAPassed)

	// Work is still pushed so nothing is lost.
	require.Len(t, sync.calls, 1)
	assert.True(t, state.GitPushed)

	finals := rec.byType(types.FrameAgentFinal)
	require.NotEmpty(t, finals)
	content, _ := finals[len(finals)-1].Data["content"].(string)
	assert.Contains(t, content, "quality checks still fail")
}

func TestEnvironmentalFailureSkipsHeal(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{{FinalText: "Done."}}}
	backend := &qaBackend{
		files:     map[string]string{"/package.json": `{"scripts":{"lint":"eslint ."}}`},
		failSub:   "lint",
		failExit:  127,
		failOut:   "sh: eslint: command not found",
		failCount: -1,
	}
	sync := &syncRecorder{pushed: true, sha: "ddd444"}
	c, rec := newController(t, ag, backend, qa.Options{Enabled: true}, sync, nil)

	state, err := c.Run(context.Background(), "tidy")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.FinalStatus)
	assert.Equal(t, 0, state.Attempt, "environmental failures never trigger heal rounds")
	require.Len(t, sync.calls, 1)

	errs := rec.byType(types.FrameError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "qa_environmental", errs[0].Data["code"])
}

func TestAgentErrorTriggersSafetyNetSync(t *testing.T) {
	ag := &fakeAgent{errs: []error{fmt.Errorf("model unavailable")}}
	sync := &syncRecorder{pushed: true, sha: "eee555"}
	c, rec := newController(t, ag, &qaBackend{}, qa.Options{Enabled: false}, sync, nil)

	state, err := c.Run(context.Background(), "do things")
	require.NoError(t, err)
	assert.Equal(t, StatusError, state.FinalStatus)
	require.Len(t, sync.calls, 1, "safety net must preserve sandbox work")
	assert.True(t, state.GitPushed)

	errs := rec.byType(types.FrameError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "agent_failed", errs[0].Data["code"])

	// The run still closes with UPDATE_COMPLETED, after the ERROR frame.
	completed := rec.byType(types.FrameUpdateCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, StatusError, completed[0].Data["status"])
	rec.mu.Lock()
	var errIdx, doneIdx int
	for i, f := range rec.frames {
		switch f.Type {
		case types.FrameError:
			errIdx = i
		case types.FrameUpdateCompleted:
			doneIdx = i
		}
	}
	rec.mu.Unlock()
	assert.Less(t, errIdx, doneIdx)
}

func TestAutoHealThrottleSuppressesHeal(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{{FinalText: "Done."}}}
	backend := &qaBackend{
		files:     map[string]string{"/package.json": `{"scripts":{"lint":"eslint ."}}`},
		failSub:   "lint",
		failExit:  1,
		failOut:   "broken",
		failCount: -1,
	}
	sync := &syncRecorder{pushed: true, sha: "fff666"}
	heal := qa.NewAutoHealState(qa.AutoHealConfig{Enabled: false})
	c, _ := newController(t, ag, backend, qa.Options{Enabled: true}, sync, heal)

	state, err := c.Run(context.Background(), "tidy")
	require.NoError(t, err)
	assert.Equal(t, StatusQAFailed, state.FinalStatus)
	assert.Equal(t, 0, state.Attempt)
}

func TestGitSyncErrorRecordedNotFatal(t *testing.T) {
	ag := &fakeAgent{results: []agent.RunResult{{FinalText: "Done."}}}
	sync := &syncRecorder{err: fmt.Errorf("remote rejected push")}
	c, rec := newController(t, ag, &qaBackend{}, qa.Options{Enabled: false}, sync, nil)

	state, err := c.Run(context.Background(), "change things")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.FinalStatus)
	assert.False(t, state.GitPushed)
	assert.Contains(t, state.GitError, "remote rejected push")

	errs := rec.byType(types.FrameError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "git_sync_failed", errs[0].Data["code"])
}

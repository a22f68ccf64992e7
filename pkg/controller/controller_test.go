package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
	"github.com/kota-kawa/web-agent02-sub000/pkg/agent"
	"github.com/kota-kawa/web-agent02-sub000/pkg/browser"
	"github.com/kota-kawa/web-agent02-sub000/pkg/bus"
	"github.com/kota-kawa/web-agent02-sub000/pkg/history"
)

// ---- fakes ----

type fakeLLM struct {
	provider string
	model    string
	closed   atomic.Int32
}

func (f *fakeLLM) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	return &agent.LLMResponse{Content: `{"action":"noop","done":true,"success":true}`}, nil
}

func (f *fakeLLM) Provider() string {
	if f.provider != "" {
		return f.provider
	}
	return "openai"
}

func (f *fakeLLM) Model() string {
	if f.model != "" {
		return f.model
	}
	return "gpt-test"
}

func (f *fakeLLM) Close() error {
	f.closed.Add(1)
	return nil
}

// baseSession implements Session without any optional capability.
type baseSession struct {
	keepAlive bool

	mu          sync.Mutex
	stopCount   int
	killCount   int
	navigations []string
	tabsToClose int
	evalResult  any
}

func (s *baseSession) Start(ctx context.Context) error { return nil }

func (s *baseSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
	return nil
}

func (s *baseSession) Kill(ctx context.Context) error {
	s.mu.Lock()
	s.killCount++
	s.mu.Unlock()
	return nil
}

func (s *baseSession) KeepAlive() bool { return s.keepAlive }

func (s *baseSession) AttachAllWatchdogs() error { return nil }

func (s *baseSession) NavigateTo(ctx context.Context, url string) error {
	s.mu.Lock()
	s.navigations = append(s.navigations, url)
	s.mu.Unlock()
	return nil
}

func (s *baseSession) CurrentPageURL(ctx context.Context) (string, error) {
	return "https://example.com/", nil
}

func (s *baseSession) Tabs(ctx context.Context) ([]browser.Tab, error) {
	return []browser.Tab{{TargetID: "t1", URL: "https://example.com/"}}, nil
}

func (s *baseSession) ClosePage(ctx context.Context, targetID string) error { return nil }

func (s *baseSession) CloseAdditionalTabs(ctx context.Context) (int, error) {
	return s.tabsToClose, nil
}

func (s *baseSession) Evaluate(ctx context.Context, script string) (any, error) {
	return s.evalResult, nil
}

func (s *baseSession) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

func (s *baseSession) kills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killCount
}

// fakeSession adds the drain capability.
type fakeSession struct {
	baseSession
	drainClean bool
	drainErr   error
}

func (s *fakeSession) DrainEventBus(timeout time.Duration) (bool, error) {
	return s.drainClean, s.drainErr
}

// legacySession exposes only the bus state reset.
type legacySession struct {
	baseSession
	resetErr error
	resets   atomic.Int32
}

func (s *legacySession) ResetEventBusState() error {
	s.resets.Add(1)
	return s.resetErr
}

// fakeAgent records every interaction and can block inside Run.
type fakeAgent struct {
	mu sync.Mutex

	history    *agent.History
	runErr     error
	runPanic   string
	addTaskErr error

	runStarted chan struct{}
	runGate    chan struct{}

	stepCounter *atomic.Int32

	tasks            []string
	completionResets int
	pauseCalls       int
	resumeCalls      int
	stopped          bool

	session    agent.Session
	callback   agent.StepCallback
	initialNav string
	llm        agent.LLMClient
	llmSwaps   int
}

func defaultHistory() *agent.History {
	done := true
	return &agent.History{Steps: []agent.StepRecord{{
		Step:        1,
		StateURL:    "https://example.com/page",
		ModelOutput: "finish up",
		Results: []agent.ActionResult{{
			Content: "finished",
			IsDone:  true,
			Success: &done,
		}},
	}}}
}

func (a *fakeAgent) Run(ctx context.Context, maxSteps int) (*agent.History, error) {
	if a.stepCounter != nil {
		a.stepCounter.Add(1)
	}
	if a.runStarted != nil {
		close(a.runStarted)
		a.runStarted = nil
	}
	if a.runGate != nil {
		select {
		case <-a.runGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	hist := a.history
	cb := a.callback
	runErr := a.runErr
	panicMsg := a.runPanic
	a.runPanic = ""
	a.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	if hist == nil {
		hist = defaultHistory()
	}
	if runErr != nil {
		return nil, runErr
	}
	if cb != nil {
		for _, rec := range hist.Steps {
			cb(rec)
		}
	}
	return hist, nil
}

func (a *fakeAgent) AddNewTask(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.addTaskErr != nil {
		return a.addTaskErr
	}
	a.tasks = append(a.tasks, text)
	return nil
}

func (a *fakeAgent) ResetCompletionState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completionResets++
	return true
}

func (a *fakeAgent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pauseCalls++
	return nil
}

func (a *fakeAgent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeCalls++
	return nil
}

func (a *fakeAgent) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

func (a *fakeAgent) SetSession(s agent.Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

func (a *fakeAgent) SetStepCallback(cb agent.StepCallback) {
	a.mu.Lock()
	a.callback = cb
	a.mu.Unlock()
}

func (a *fakeAgent) SetInitialNavigation(url string) {
	a.mu.Lock()
	a.initialNav = url
	a.mu.Unlock()
}

func (a *fakeAgent) SetLLM(c agent.LLMClient) {
	a.mu.Lock()
	a.llm = c
	a.llmSwaps++
	a.mu.Unlock()
}

func (a *fakeAgent) lastInitialNav() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialNav
}

func (a *fakeAgent) taskList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tasks...)
}

// hookedAgent adds the optional bus resynchronization hooks.
type hookedAgent struct {
	fakeAgent
	resetBusErr error
	busResets   atomic.Int32
}

func (a *hookedAgent) ResetEventBus() error {
	a.busResets.Add(1)
	return a.resetBusErr
}

type refresherAgent struct {
	fakeAgent
	refreshErr error
	refreshes  atomic.Int32
}

func (a *refresherAgent) RefreshEventBus() error {
	a.refreshes.Add(1)
	return a.refreshErr
}

// ---- test environment ----

type testEnv struct {
	controller *Controller

	sessionBuilds atomic.Int32
	agentBuilds   atomic.Int32
	stepCounter   atomic.Int32

	mu       sync.Mutex
	sessions []Session
	agents   []*fakeAgent
	clients  []*fakeLLM

	newSession func() Session
	agentHook  func(*fakeAgent)
	clientErr  error
}

func (e *testEnv) sessionAt(i int) Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[i]
}

func (e *testEnv) agentAt(i int) *fakeAgent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[i]
}

func (e *testEnv) clientAt(i int) *fakeLLM {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[i]
}

func newEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.newSession = func() Session {
		return &fakeSession{baseSession: baseSession{keepAlive: true}, drainClean: true}
	}

	cfg := config.DefaultConfig()
	cfg.Browser.CDPURL = "ws://127.0.0.1:9222/devtools/browser/test"
	cfg.Browser.DefaultStartURL = "https://www.yahoo.co.jp"
	cfg.Agent.MaxSteps = 5

	opts := Options{
		Config: cfg,
		SessionFactory: func(ctx context.Context) (Session, error) {
			env.sessionBuilds.Add(1)
			s := env.newSession()
			env.mu.Lock()
			env.sessions = append(env.sessions, s)
			env.mu.Unlock()
			return s, nil
		},
		AgentFactory: func(acfg agent.Config) (Agent, error) {
			env.agentBuilds.Add(1)
			a := &fakeAgent{
				session:     acfg.Session,
				callback:    acfg.StepCallback,
				initialNav:  acfg.InitialNavigation,
				llm:         acfg.LLM,
				stepCounter: &env.stepCounter,
			}
			if env.agentHook != nil {
				env.agentHook(a)
			}
			env.mu.Lock()
			env.agents = append(env.agents, a)
			env.mu.Unlock()
			return a, nil
		},
		ClientFactory: func(sel config.ModelSelection) (agent.LLMClient, error) {
			if env.clientErr != nil {
				return nil, env.clientErr
			}
			client := &fakeLLM{provider: sel.Provider, model: sel.Model}
			env.mu.Lock()
			env.clients = append(env.clients, client)
			env.mu.Unlock()
			return client, nil
		},
		Logger: zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	env.controller = c
	return env
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, kind, cerr.Kind)
}

// ---- tests ----

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	requireKind(t, err, KindConfiguration)
}

func TestNew_RequiresRegistryWithoutFactory(t *testing.T) {
	_, err := New(Options{Config: config.DefaultConfig()})
	requireKind(t, err, KindConfiguration)
}

func TestRun_ReturnsResult(t *testing.T) {
	env := newEnv(t, nil)

	result, err := env.controller.Run(RunParams{Task: "find the weather"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "finished", result.History.FinalResult())
	assert.True(t, result.History.IsSuccessful())
	assert.Len(t, result.FilteredHistory.Steps, 1)
	assert.False(t, env.controller.IsRunning())
	assert.Equal(t, "https://example.com/page", env.controller.ResumeURL())
}

func TestRun_ReusesAgentAcrossSequentialRuns(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.controller.Run(RunParams{Task: "first task"})
	require.NoError(t, err)
	_, err = env.controller.Run(RunParams{Task: "second task"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), env.agentBuilds.Load(), "agent should be reused")
	assert.Equal(t, int32(1), env.sessionBuilds.Load(), "session should be reused")
	assert.Contains(t, env.agentAt(0).taskList(), "second task")
	assert.GreaterOrEqual(t, env.agentAt(0).completionResets, 1)
}

func TestRun_RebuildsAgentWhenFollowUpFails(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.controller.Run(RunParams{Task: "first task"})
	require.NoError(t, err)

	first := env.agentAt(0)
	first.mu.Lock()
	first.addTaskErr = errors.New("task validation failed")
	first.mu.Unlock()

	_, err = env.controller.Run(RunParams{Task: "second task"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), env.agentBuilds.Load(), "agent should be rebuilt")
	assert.Equal(t, int32(1), env.sessionBuilds.Load(), "session must survive the rebuild")
	assert.Same(t, env.sessionAt(0), env.agentAt(1).session)
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	env := newEnv(t, nil)
	gate := make(chan struct{})
	started := make(chan struct{})
	env.agentHook = func(a *fakeAgent) {
		a.runGate = gate
		a.runStarted = started
	}

	done := make(chan error, 1)
	_, err := env.controller.Run(RunParams{
		Task:       "long task",
		Background: true,
		OnComplete: func(result *RunResult, err error) { done <- err },
	})
	require.NoError(t, err)

	<-started
	assert.True(t, env.controller.IsRunning())

	_, err = env.controller.Run(RunParams{Task: "overlapping task"})
	requireKind(t, err, KindConcurrency)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), env.stepCounter.Load(), "only one execution may start")
}

func TestRun_RotatesSessionAfterDrainFailure(t *testing.T) {
	env := newEnv(t, nil)
	first := true
	env.newSession = func() Session {
		clean := !first
		first = false
		return &fakeSession{baseSession: baseSession{keepAlive: true}, drainClean: clean}
	}

	_, err := env.controller.Run(RunParams{Task: "first task"})
	require.NoError(t, err, "drain failure must not fail the run")

	old := env.sessionAt(0).(*fakeSession)
	assert.GreaterOrEqual(t, old.stops(), 1)
	assert.GreaterOrEqual(t, old.kills(), 1)

	_, err = env.controller.Run(RunParams{Task: "second task"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), env.sessionBuilds.Load())
	assert.NotSame(t, env.sessionAt(0), env.sessionAt(1))

	// The rotated session forces the follow-up to resume at the last
	// recorded page.
	assert.Equal(t, int32(1), env.agentBuilds.Load())
	assert.Equal(t, "https://example.com/page", env.agentAt(0).lastInitialNav())
}

func TestRun_FailsFastWithoutEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Browser.CDPURL = ""
	cfg.Browser.CandidateHosts = nil

	c, err := New(Options{
		Config:   cfg,
		Registry: bus.NewRegistry(nil, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	_, err = c.Run(RunParams{Task: "anything"})
	requireKind(t, err, KindConfiguration)
	assert.False(t, c.HandledInitialTask(), "rejected run must not consume the initial task")
}

func TestRun_AgentErrorSurfacesAsFatal(t *testing.T) {
	env := newEnv(t, nil)
	env.agentHook = func(a *fakeAgent) {
		a.runErr = errors.New("model exploded")
	}

	_, err := env.controller.Run(RunParams{Task: "doomed task"})
	requireKind(t, err, KindFatalAgent)
	assert.False(t, env.controller.IsRunning())
}

func TestRun_RecoversAfterStepLoopPanic(t *testing.T) {
	env := newEnv(t, nil)
	env.agentHook = func(a *fakeAgent) {
		a.runPanic = "step callback blew up"
	}

	_, err := env.controller.Run(RunParams{Task: "panicky task"})
	requireKind(t, err, KindFatalAgent)
	assert.False(t, env.controller.IsRunning())

	// The run slot and state were released, so the next run proceeds.
	result, err := env.controller.Run(RunParams{Task: "next task"})
	require.NoError(t, err)
	assert.True(t, result.History.IsSuccessful())
}

func TestRun_RecordsStepMessages(t *testing.T) {
	store, err := history.NewStore(history.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := newEnv(t, func(opts *Options) {
		opts.Store = store
	})

	result, err := env.controller.Run(RunParams{Task: "record me", RecordHistory: true})
	require.NoError(t, err)

	id, ok := result.StepMessageIDs[1]
	require.True(t, ok)

	lookedUp, ok := env.controller.StepMessageID(1)
	require.True(t, ok)
	assert.Equal(t, id, lookedUp)

	messages, err := store.All()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "ステップ1")
}

func TestPauseResume(t *testing.T) {
	env := newEnv(t, nil)

	requireKind(t, env.controller.Pause(), KindConcurrency)
	requireKind(t, env.controller.Resume(), KindConcurrency)

	gate := make(chan struct{})
	started := make(chan struct{})
	env.agentHook = func(a *fakeAgent) {
		a.runGate = gate
		a.runStarted = started
	}

	done := make(chan error, 1)
	_, err := env.controller.Run(RunParams{
		Task:       "pausable task",
		Background: true,
		OnComplete: func(result *RunResult, err error) { done <- err },
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, env.controller.Pause())
	assert.True(t, env.controller.IsPaused())
	requireKind(t, env.controller.Pause(), KindConcurrency)

	require.NoError(t, env.controller.Resume())
	assert.False(t, env.controller.IsPaused())
	requireKind(t, env.controller.Resume(), KindConcurrency)

	ag := env.agentAt(0)
	ag.mu.Lock()
	pauses, resumes := ag.pauseCalls, ag.resumeCalls
	ag.mu.Unlock()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)

	close(gate)
	require.NoError(t, <-done)
}

func TestEnqueueFollowUp(t *testing.T) {
	env := newEnv(t, nil)

	requireKind(t, env.controller.EnqueueFollowUp("too early"), KindConcurrency)

	gate := make(chan struct{})
	started := make(chan struct{})
	env.agentHook = func(a *fakeAgent) {
		a.runGate = gate
		a.runStarted = started
	}

	done := make(chan error, 1)
	_, err := env.controller.Run(RunParams{
		Task:       "base task",
		Background: true,
		OnComplete: func(result *RunResult, err error) { done <- err },
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, env.controller.EnqueueFollowUp("and also this"))
	assert.Contains(t, env.agentAt(0).taskList(), "and also this")

	close(gate)
	require.NoError(t, <-done)
}

func TestReset_DisallowedWhileRunning(t *testing.T) {
	env := newEnv(t, nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	env.agentHook = func(a *fakeAgent) {
		a.runGate = gate
		a.runStarted = started
	}

	done := make(chan error, 1)
	_, err := env.controller.Run(RunParams{
		Task:       "busy task",
		Background: true,
		OnComplete: func(result *RunResult, err error) { done <- err },
	})
	require.NoError(t, err)
	<-started

	requireKind(t, env.controller.Reset(), KindConcurrency)
	assert.True(t, env.controller.IsRunning(), "reset must not mutate a running controller")

	close(gate)
	require.NoError(t, <-done)

	// The run's session survived the rejected reset.
	assert.Equal(t, int32(1), env.sessionBuilds.Load())
}

func TestReset_ClearsStateWhileIdle(t *testing.T) {
	store, err := history.NewStore(history.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := newEnv(t, func(opts *Options) {
		opts.Store = store
	})

	_, err = env.controller.Run(RunParams{Task: "first task", RecordHistory: true})
	require.NoError(t, err)

	_, ok := env.controller.StepMessageID(1)
	require.True(t, ok)
	require.NotEmpty(t, env.controller.ResumeURL())

	require.NoError(t, env.controller.Reset())

	_, ok = env.controller.StepMessageID(1)
	assert.False(t, ok, "step message map must be cleared")
	assert.Empty(t, env.controller.ResumeURL())
	assert.GreaterOrEqual(t, env.sessionAt(0).(*fakeSession).stops(), 1)

	_, err = env.controller.Run(RunParams{Task: "fresh start"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.sessionBuilds.Load())
	assert.Equal(t, int32(2), env.agentBuilds.Load())
}

func TestUpdateLLM(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.controller.Run(RunParams{Task: "warm up"})
	require.NoError(t, err)

	original := env.clientAt(0)

	env.clientErr = errors.New("bad credentials")
	err = env.controller.UpdateLLM(config.ModelSelection{Provider: "openai", Model: "broken"})
	requireKind(t, err, KindConfiguration)

	ag := env.agentAt(0)
	ag.mu.Lock()
	swaps := ag.llmSwaps
	ag.mu.Unlock()
	assert.Zero(t, swaps, "a failed build must leave the old client wired")
	assert.Zero(t, original.closed.Load())

	env.clientErr = nil
	require.NoError(t, env.controller.UpdateLLM(config.ModelSelection{Provider: "claude", Model: "claude-test"}))

	ag.mu.Lock()
	swapped := ag.llm
	ag.mu.Unlock()
	replacement := env.clientAt(1)
	assert.Same(t, replacement, swapped)
	assert.Equal(t, int32(1), original.closed.Load(), "old client must be closed after the swap")
}

func TestSetStartPage(t *testing.T) {
	env := newEnv(t, nil)

	require.NoError(t, env.controller.SetStartPage("example.org/start"))
	assert.Equal(t, "https://example.org/start", env.controller.ResumeURL())

	_, err := env.controller.Run(RunParams{Task: "go"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/start", env.agentAt(0).lastInitialNav())
}

func TestEnsureStartPageReady(t *testing.T) {
	env := newEnv(t, nil)

	require.NoError(t, env.controller.SetStartPage("https://example.org/warm"))
	require.NoError(t, env.controller.EnsureStartPageReady())

	require.Equal(t, int32(1), env.sessionBuilds.Load())
	sess := env.sessionAt(0).(*fakeSession)
	sess.mu.Lock()
	navs := append([]string(nil), sess.navigations...)
	sess.mu.Unlock()
	assert.Contains(t, navs, "https://example.org/warm")

	// A second call with a warm session is a no-op.
	require.NoError(t, env.controller.EnsureStartPageReady())
	assert.Equal(t, int32(1), env.sessionBuilds.Load())

	// The warmup-created session counts as recreated, so the first
	// run forces resume navigation on its agent.
	_, err := env.controller.Run(RunParams{Task: "use warm session"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/warm", env.agentAt(0).lastInitialNav())
}

func TestCloseAdditionalTabs(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.controller.CloseAdditionalTabs("")
	requireKind(t, err, KindConfiguration)

	_, err = env.controller.Run(RunParams{Task: "open some tabs"})
	require.NoError(t, err)

	sess := env.sessionAt(0).(*fakeSession)
	sess.mu.Lock()
	sess.tabsToClose = 3
	sess.mu.Unlock()

	closed, err := env.controller.CloseAdditionalTabs("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 3, closed)

	sess.mu.Lock()
	navs := append([]string(nil), sess.navigations...)
	sess.mu.Unlock()
	assert.Contains(t, navs, "https://example.com/")
}

func TestEvaluateInBrowser(t *testing.T) {
	env := newEnv(t, nil)

	_, err := env.controller.EvaluateInBrowser("document.title")
	requireKind(t, err, KindConfiguration)

	_, err = env.controller.Run(RunParams{Task: "load a page"})
	require.NoError(t, err)

	sess := env.sessionAt(0).(*fakeSession)
	sess.mu.Lock()
	sess.evalResult = "Example Domain"
	sess.mu.Unlock()

	value, err := env.controller.EvaluateInBrowser("document.title")
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", value)
}

func TestShutdown_IdempotentWithSingleCleanup(t *testing.T) {
	var cleanups atomic.Int32
	env := newEnv(t, func(opts *Options) {
		opts.CleanupHook = func() { cleanups.Add(1) }
	})

	_, err := env.controller.Run(RunParams{Task: "one task"})
	require.NoError(t, err)

	require.NoError(t, env.controller.Shutdown())
	require.NoError(t, env.controller.Shutdown())
	assert.Equal(t, int32(1), cleanups.Load())

	_, err = env.controller.Run(RunParams{Task: "too late"})
	requireKind(t, err, KindShutdown)

	assert.GreaterOrEqual(t, env.sessionAt(0).(*fakeSession).stops(), 1)
	assert.Equal(t, int32(1), env.clientAt(0).closed.Load())

	ag := env.agentAt(0)
	ag.mu.Lock()
	stopped := ag.stopped
	ag.mu.Unlock()
	assert.True(t, stopped, "the bound agent must be stopped during shutdown")
}

func TestVisionPreference(t *testing.T) {
	env := newEnv(t, nil)
	env.controller.SetVisionEnabled(true)
	assert.True(t, env.controller.IsVisionEnabled())
	env.controller.SetVisionEnabled(false)
	assert.False(t, env.controller.IsVisionEnabled())
}

// Package controller orchestrates browser agent runs: one persistent
// browser session, one bound agent, and a lane executor that keeps
// control operations (pause, resume, follow-ups) responsive while a
// run is in flight.
//
// The public API is synchronous and callable from any thread. Exactly
// one run executes at a time; status reads never block on an in-flight
// run.
package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kota-kawa/web-agent02-sub000/internal/config"
	"github.com/kota-kawa/web-agent02-sub000/internal/metrics"
	"github.com/kota-kawa/web-agent02-sub000/pkg/agent"
	"github.com/kota-kawa/web-agent02-sub000/pkg/browser"
	"github.com/kota-kawa/web-agent02-sub000/pkg/bus"
	"github.com/kota-kawa/web-agent02-sub000/pkg/executor"
	"github.com/kota-kawa/web-agent02-sub000/pkg/history"
)

const (
	defaultDrainTimeout   = 2 * time.Second
	defaultControlTimeout = 10 * time.Second
	warmupTimeout         = 20 * time.Second
	teardownTimeout       = 5 * time.Second
)

// Session is the browser surface the controller drives. Drain and bus
// reset capabilities are optional and detected by assertion (see
// recovery.go).
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Kill(ctx context.Context) error
	KeepAlive() bool
	AttachAllWatchdogs() error
	NavigateTo(ctx context.Context, url string) error
	CurrentPageURL(ctx context.Context) (string, error)
	Tabs(ctx context.Context) ([]browser.Tab, error)
	ClosePage(ctx context.Context, targetID string) error
	CloseAdditionalTabs(ctx context.Context) (int, error)
	Evaluate(ctx context.Context, script string) (any, error)
}

// Agent is the task executor the controller binds to a session.
type Agent interface {
	Run(ctx context.Context, maxSteps int) (*agent.History, error)
	AddNewTask(text string) error
	ResetCompletionState() bool
	Pause() error
	Resume() error
	Stop()
	SetSession(s agent.Session)
	SetStepCallback(cb agent.StepCallback)
	SetInitialNavigation(url string)
	SetLLM(c agent.LLMClient)
}

// SessionFactory builds a started session. The default factory
// discovers a DevTools endpoint and attaches through go-rod.
type SessionFactory func(ctx context.Context) (Session, error)

// AgentFactory builds an agent from a validated config.
type AgentFactory func(cfg agent.Config) (Agent, error)

// ClientFactory builds an LLM client from a model selection.
type ClientFactory func(sel config.ModelSelection) (agent.LLMClient, error)

// Options configures a Controller.
type Options struct {
	Config   *config.Config
	Registry *bus.Registry
	Metrics  *metrics.Metrics

	// Store receives step plan messages when runs record history.
	Store *history.Store

	// Broadcaster publishes recorded messages to live listeners.
	Broadcaster *history.Broadcaster

	// Selection seeds the LLM client built for the first run. Later
	// swaps go through UpdateLLM.
	Selection config.ModelSelection

	// Factories are injectable for tests; nil picks the defaults.
	SessionFactory SessionFactory
	AgentFactory   AgentFactory
	ClientFactory  ClientFactory

	// CleanupHook runs exactly once during Shutdown, after teardown.
	CleanupHook func()

	DrainTimeout   time.Duration
	ControlTimeout time.Duration

	Logger zerolog.Logger
}

// RunParams describes one run request.
type RunParams struct {
	Task               string
	RecordHistory      bool
	ExtraSystemMessage string

	// MaxSteps overrides the configured step budget when positive.
	MaxSteps int

	// Background schedules the run and returns immediately;
	// OnComplete receives the settled result or error.
	Background bool
	OnComplete func(*RunResult, error)
}

// Controller owns the session/agent pair and serializes runs.
type Controller struct {
	cfg     *config.Config
	opts    Options
	exec    *executor.Executor
	metrics *metrics.Metrics
	logger  zerolog.Logger

	drainTimeout   time.Duration
	controlTimeout time.Duration

	sessionFactory SessionFactory
	agentFactory   AgentFactory
	clientFactory  ClientFactory

	// runMu serializes run invocations; TryLock makes overlapping
	// requests fail fast instead of queueing.
	runMu sync.Mutex

	// mu guards the status fields below so reads stay available
	// during an in-flight run.
	mu                 sync.Mutex
	session            Session
	sessionRecreated   bool
	startPageReady     bool
	agent              Agent
	currentAgent       Agent
	llm                agent.LLMClient
	running            bool
	paused             bool
	visionEnabled      bool
	resumeURL          string
	initialTaskHandled bool
	closed             bool

	endpointCleanup func()

	stepMu         sync.Mutex
	stepMessageIDs map[int]int64

	cleanupOnce sync.Once
}

// New builds a controller. Config is required; Registry is required
// unless a custom SessionFactory is supplied.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, newError(KindConfiguration, "config is required")
	}
	if opts.SessionFactory == nil && opts.Registry == nil {
		return nil, newError(KindConfiguration, "event bus registry is required")
	}

	logger := opts.Logger.With().Str("component", "controller").Logger()

	c := &Controller{
		cfg:            opts.Config,
		opts:           opts,
		exec:           executor.New(logger),
		metrics:        opts.Metrics,
		logger:         logger,
		drainTimeout:   opts.DrainTimeout,
		controlTimeout: opts.ControlTimeout,
		sessionFactory: opts.SessionFactory,
		agentFactory:   opts.AgentFactory,
		clientFactory:  opts.ClientFactory,
		visionEnabled:  opts.Config.Agent.UseVision,
		stepMessageIDs: make(map[int]int64),
	}
	if c.drainTimeout <= 0 {
		c.drainTimeout = defaultDrainTimeout
	}
	if c.controlTimeout <= 0 {
		c.controlTimeout = defaultControlTimeout
	}
	if c.sessionFactory == nil {
		c.sessionFactory = c.newBrowserSession
	}
	if c.agentFactory == nil {
		c.agentFactory = func(cfg agent.Config) (Agent, error) {
			return agent.New(cfg)
		}
	}
	if c.clientFactory == nil {
		c.clientFactory = agent.NewClient
	}
	return c, nil
}

// newBrowserSession is the default session factory: it resolves the
// DevTools endpoint (pinned or discovered), attaches a rod session,
// and starts it.
func (c *Controller) newBrowserSession(ctx context.Context) (Session, error) {
	controlURL := strings.TrimSpace(c.cfg.Browser.CDPURL)
	var cleanup func()
	if controlURL == "" {
		discovered, cleanupFn, err := browser.DiscoverEndpoint(ctx, browser.ProbeOptions{
			Candidates: c.cfg.Browser.CandidateHosts,
			Retries:    c.cfg.Browser.ProbeRetries,
			Delay:      c.cfg.Browser.ProbeDelay,
			Logger:     c.logger,
		})
		if err != nil {
			return nil, err
		}
		controlURL = discovered
		cleanup = cleanupFn
	}

	sess, err := browser.NewSession(browser.Options{
		ControlURL:   controlURL,
		KeepAlive:    c.cfg.Browser.KeepAlive,
		WindowWidth:  c.cfg.Browser.WindowWidth,
		WindowHeight: c.cfg.Browser.WindowHeight,
		Registry:     c.opts.Registry,
		Logger:       c.logger,
	})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	c.swapEndpointCleanup(cleanup)
	return sess, nil
}

// swapEndpointCleanup releases the previous discovered endpoint (a
// temporary WebDriver session, if one was created) and stores the new
// cleanup for Shutdown.
func (c *Controller) swapEndpointCleanup(cleanup func()) {
	c.mu.Lock()
	previous := c.endpointCleanup
	c.endpointCleanup = cleanup
	c.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// Run executes a task. Foreground calls block until the run settles;
// background calls return immediately and report through OnComplete.
func (c *Controller) Run(params RunParams) (*RunResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError(KindShutdown, "controller is shut down")
	}
	hasSession := c.session != nil
	c.mu.Unlock()

	if !c.runMu.TryLock() {
		if c.metrics != nil {
			c.metrics.ConcurrencyRejectionsTotal.Inc()
		}
		return nil, newError(KindConcurrency, "a run is already in progress")
	}

	if !hasSession && c.opts.SessionFactory == nil &&
		strings.TrimSpace(c.cfg.Browser.CDPURL) == "" && len(c.cfg.Browser.CandidateHosts) == 0 {
		c.runMu.Unlock()
		return nil, newError(KindConfiguration, "no browser endpoint configured")
	}

	c.mu.Lock()
	c.initialTaskHandled = true
	c.mu.Unlock()

	work := func(ctx context.Context) (any, error) {
		return c.runAgent(ctx, params)
	}

	if params.Background {
		err := c.exec.Go(executor.LaneRun, work, func(value any, err error) {
			c.runMu.Unlock()
			result, _ := value.(*RunResult)
			if params.OnComplete != nil {
				params.OnComplete(result, c.translate(err))
			}
		})
		if err != nil {
			c.runMu.Unlock()
			return nil, c.translate(err)
		}
		return nil, nil
	}

	value, err := c.exec.Do(context.Background(), executor.LaneRun, work)
	c.runMu.Unlock()
	if err != nil {
		return nil, c.translate(err)
	}
	result, _ := value.(*RunResult)
	return result, nil
}

// runAgent executes on the run lane. Post-run cleanup happens on
// every path, success or failure.
func (c *Controller) runAgent(ctx context.Context, params RunParams) (*RunResult, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	recreated := c.consumeSessionRecreated()

	llm, err := c.ensureLLM()
	if err != nil {
		return nil, err
	}

	stepIDs := make(map[int]int64)
	var stepIDMu sync.Mutex
	var callback agent.StepCallback
	if params.RecordHistory {
		callback = func(rec agent.StepRecord) {
			if c.metrics != nil {
				c.metrics.StepsTotal.Inc()
			}
			if c.opts.Store == nil {
				return
			}
			msg, err := c.opts.Store.Append("assistant", formatStepPlan(rec))
			if err != nil {
				c.logger.Debug().Err(err).Int("step", rec.Step).Msg("failed to record step plan")
				return
			}
			stepIDMu.Lock()
			stepIDs[rec.Step] = msg.ID
			stepIDMu.Unlock()
			c.rememberStepMessageID(rec.Step, msg.ID)
			if c.opts.Broadcaster != nil {
				c.opts.Broadcaster.PublishMessage(msg)
			}
		}
	}

	ag, err := c.ensureAgent(params, sess, llm, callback, recreated)
	if err != nil {
		return nil, err
	}
	c.clearStepMessageIDs()

	if err := sess.AttachAllWatchdogs(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to pre-attach browser watchdogs")
	}

	c.mu.Lock()
	c.currentAgent = ag
	c.running = true
	c.paused = false
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RunsStartedTotal.Inc()
		c.metrics.RunsActive.Inc()
	}
	started := time.Now()

	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = c.cfg.Agent.MaxSteps
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.Agent.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Agent.RunTimeout)
	}

	// Recovery must run even when the step loop panics (a history
	// append or broadcast hook can), so it hangs off a defer.
	var hist *agent.History
	var runErr error
	func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
			outcome := c.recoverSession(ctx, sess, ag)
			c.finishRun(ctx, sess, outcome)
			if c.metrics != nil {
				c.metrics.RunDuration.Observe(time.Since(started).Seconds())
				c.metrics.RunsActive.Dec()
				c.metrics.RunsCompletedTotal.WithLabelValues(runStatus(hist, runErr)).Inc()
			}
		}()
		hist, runErr = ag.Run(runCtx, maxSteps)
	}()

	if runErr != nil {
		return nil, wrapError(KindFatalAgent, "agent run failed", runErr)
	}

	c.updateResumeURL(hist)

	stepIDMu.Lock()
	ids := make(map[int]int64, len(stepIDs))
	for step, id := range stepIDs {
		ids[step] = id
	}
	stepIDMu.Unlock()

	return &RunResult{
		History:         hist,
		StepMessageIDs:  ids,
		FilteredHistory: &agent.History{Steps: filterSteps(hist.Steps)},
	}, nil
}

func runStatus(hist *agent.History, runErr error) string {
	switch {
	case runErr != nil:
		return "error"
	case hist != nil && hist.IsSuccessful():
		return "success"
	case hist != nil && hist.IsDone():
		return "failed"
	default:
		return "incomplete"
	}
}

// ensureSession reuses the live session or builds a fresh one. Fresh
// sessions raise the recreated flag, consumed by the next run.
func (c *Controller) ensureSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.session != nil {
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	sess, err := c.sessionFactory(ctx)
	if err != nil {
		return nil, wrapError(KindConfiguration, "building browser session failed", err)
	}
	c.mu.Lock()
	c.session = sess
	c.sessionRecreated = true
	c.startPageReady = false
	c.mu.Unlock()
	c.logger.Info().Msg("browser session created")
	return sess, nil
}

func (c *Controller) consumeSessionRecreated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recreated := c.sessionRecreated
	c.sessionRecreated = false
	return recreated
}

func (c *Controller) ensureLLM() (agent.LLMClient, error) {
	c.mu.Lock()
	llm := c.llm
	c.mu.Unlock()
	if llm != nil {
		return llm, nil
	}

	built, err := c.clientFactory(c.opts.Selection)
	if err != nil {
		return nil, wrapError(KindConfiguration, "building model client failed", err)
	}
	c.mu.Lock()
	c.llm = built
	c.mu.Unlock()
	return built, nil
}

// ensureAgent binds the task to the persistent agent, rebuilding it
// when follow-up validation fails. A rebuild preserves the warm
// session and resets only agent-level framing.
func (c *Controller) ensureAgent(params RunParams, sess Session, llm agent.LLMClient, callback agent.StepCallback, sessionRecreated bool) (Agent, error) {
	c.mu.Lock()
	existing := c.agent
	c.mu.Unlock()

	if existing == nil {
		fresh, err := c.buildAgent(params, sess, llm, callback)
		if err != nil {
			return nil, wrapError(KindFatalAgent, "building agent failed", err)
		}
		c.mu.Lock()
		c.agent = fresh
		c.mu.Unlock()
		return fresh, nil
	}

	existing.SetSession(sess)
	existing.SetStepCallback(callback)
	if err := existing.AddNewTask(params.Task); err != nil {
		c.logger.Warn().Err(err).Str("task", params.Task).Msg("failed to apply follow-up task; rebuilding agent")
		if c.metrics != nil {
			c.metrics.FollowUpRebuildsTotal.Inc()
		}
		c.mu.Lock()
		c.agent = nil
		c.currentAgent = nil
		c.mu.Unlock()

		fresh, buildErr := c.buildAgent(params, sess, llm, callback)
		if buildErr != nil {
			return nil, wrapError(KindFatalAgent, "rebuilding agent failed", buildErr)
		}
		c.mu.Lock()
		c.agent = fresh
		c.mu.Unlock()
		c.logger.Info().Str("task", params.Task).Msg("agent rebuilt after follow-up failure")
		return fresh, nil
	}

	c.prepareFollowUp(existing, sessionRecreated)
	return existing, nil
}

func (c *Controller) buildAgent(params RunParams, sess Session, llm agent.LLMClient, callback agent.StepCallback) (Agent, error) {
	vision := c.IsVisionEnabled() && agent.VisionSupported(llm.Provider(), llm.Model(), true)
	if !vision {
		c.logger.Info().
			Str("provider", llm.Provider()).
			Str("model", llm.Model()).
			Msg("vision disabled for this run")
	}

	prompt := agent.BuildSystemPrompt(agent.PromptOptions{
		TemplatePath:       c.cfg.Agent.PromptTemplate,
		MaxActionsPerStep:  agent.DefaultMaxActionsPerStep,
		Language:           c.cfg.Agent.Language,
		ExtraSystemMessage: params.ExtraSystemMessage,
		Logger:             c.logger,
	})

	initialNav := c.ResumeURL()
	if initialNav == "" {
		initialNav = browser.NormalizeStartURL(c.cfg.Browser.DefaultStartURL)
	}

	return c.agentFactory(agent.Config{
		Task:              params.Task,
		Session:           sess,
		LLM:               llm,
		SystemPrompt:      prompt,
		StepCallback:      callback,
		MaxSteps:          c.cfg.Agent.MaxSteps,
		StepTimeout:       c.cfg.Agent.StepTimeout,
		UseVision:         vision,
		InitialNavigation: initialNav,
		Logger:            c.logger,
	})
}

// prepareFollowUp clears completion markers so the next run executes
// real steps, and forces navigation back to the resume URL when the
// session was just rotated.
func (c *Controller) prepareFollowUp(ag Agent, forceResumeNavigation bool) {
	if ag.ResetCompletionState() {
		c.logger.Debug().Msg("cleared completion state for follow-up run")
	}
	resume := c.ResumeURL()
	if forceResumeNavigation && resume != "" {
		ag.SetInitialNavigation(resume)
		c.logger.Debug().Str("url", resume).Msg("follow-up run will resume at last page")
		return
	}
	ag.SetInitialNavigation("")
}

// finishRun applies the recovery decision and clears run state. It
// runs on every path, success or failure.
func (c *Controller) finishRun(ctx context.Context, sess Session, outcome Outcome) {
	switch outcome {
	case OutcomeRotated:
		if err := sess.Stop(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("failed to stop session during rotation")
		}
		if err := sess.Kill(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("failed to kill session during rotation")
		}
		if c.metrics != nil {
			c.metrics.SessionRotationsTotal.Inc()
		}
		c.logger.Info().Msg("browser session rotated; a fresh session will be created on the next run")
	case OutcomeRefreshed:
		if c.metrics != nil {
			c.metrics.SessionRefreshesTotal.Inc()
		}
		c.logger.Debug().Msg("browser session event bus refreshed")
	case OutcomeDrained:
		c.logger.Debug().Msg("browser session kept alive for follow-up runs")
	case OutcomeStopped:
		c.logger.Debug().Msg("browser session stopped; a new session will be created on the next run")
	}

	c.mu.Lock()
	if c.session == sess && (outcome == OutcomeRotated || outcome == OutcomeStopped) {
		c.session = nil
		c.startPageReady = false
	}
	c.currentAgent = nil
	c.running = false
	c.paused = false
	c.mu.Unlock()
}

func (c *Controller) updateResumeURL(hist *agent.History) {
	if hist == nil {
		return
	}
	resume := browser.LastNavigableURL(hist.URLs())
	c.mu.Lock()
	c.resumeURL = resume
	c.mu.Unlock()
	if resume != "" {
		c.logger.Debug().Str("url", resume).Msg("resume URL updated from run history")
	}
}

// Pause suspends the running agent at the next step boundary.
func (c *Controller) Pause() error {
	c.mu.Lock()
	ag := c.currentAgent
	running := c.running
	paused := c.paused
	c.mu.Unlock()

	if ag == nil || !running {
		return newError(KindConcurrency, "agent is not running")
	}
	if paused {
		return newError(KindConcurrency, "agent is already paused")
	}

	_, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		return nil, ag.Pause()
	})
	if err != nil {
		return c.translateControl(err, "pause failed")
	}

	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

// Resume continues a paused run.
func (c *Controller) Resume() error {
	c.mu.Lock()
	ag := c.currentAgent
	running := c.running
	paused := c.paused
	c.mu.Unlock()

	if ag == nil || !running {
		return newError(KindConcurrency, "agent is not running")
	}
	if !paused {
		return newError(KindConcurrency, "agent is not paused")
	}

	_, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		return nil, ag.Resume()
	})
	if err != nil {
		return c.translateControl(err, "resume failed")
	}

	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

// EnqueueFollowUp appends a task to the running agent so it continues
// without a new run.
func (c *Controller) EnqueueFollowUp(task string) error {
	c.mu.Lock()
	ag := c.currentAgent
	running := c.running
	c.mu.Unlock()

	if ag == nil || !running {
		return newError(KindConcurrency, "agent is not running")
	}

	_, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		return nil, ag.AddNewTask(task)
	})
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			return wrapError(KindTimeout, "applying follow-up task timed out", err)
		}
		return wrapError(KindFatalAgent, "applying follow-up task failed", err)
	}
	return nil
}

// Reset discards the session, agent, resume URL, and step message
// map. Disallowed while a run is in progress.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(KindShutdown, "controller is shut down")
	}
	if c.running {
		c.mu.Unlock()
		return newError(KindConcurrency, "cannot reset while a run is in progress")
	}
	sess := c.session
	c.session = nil
	c.sessionRecreated = false
	c.startPageReady = false
	c.agent = nil
	c.currentAgent = nil
	c.paused = false
	c.resumeURL = ""
	c.initialTaskHandled = false
	c.mu.Unlock()

	c.clearStepMessageIDs()

	if sess != nil {
		c.stopSessionAsync(sess)
	}
	return nil
}

// PrepareForNewTask discards the agent while keeping the warm session
// so the next run starts from clean framing.
func (c *Controller) PrepareForNewTask() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return newError(KindConcurrency, "cannot start a new task while a run is in progress")
	}
	c.agent = nil
	c.currentAgent = nil
	c.paused = false
	c.initialTaskHandled = false
	c.mu.Unlock()

	c.clearStepMessageIDs()
	return nil
}

func (c *Controller) stopSessionAsync(sess Session) {
	_, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		if stopErr := sess.Stop(ctx); stopErr != nil {
			c.logger.Debug().Err(stopErr).Msg("failed to stop session")
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("session stop did not settle in time")
	}
}

// SetStartPage overrides the next start/resume URL and resets warmup
// state. No-op while running or after shutdown.
func (c *Controller) SetStartPage(url string) error {
	normalized := browser.NormalizeStartURL(url)
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return nil
	}
	c.resumeURL = normalized
	c.startPageReady = false
	c.mu.Unlock()

	if normalized != "" {
		c.logger.Debug().Str("url", normalized).Msg("start page overridden for next run")
	} else {
		c.logger.Debug().Msg("start page override cleared")
	}
	return nil
}

// EnsureStartPageReady warms up the session so the configured start
// page is already open before the first real task. Best effort; no-op
// while running or after shutdown.
func (c *Controller) EnsureStartPageReady() error {
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return nil
	}
	if c.startPageReady && c.session != nil {
		c.mu.Unlock()
		return nil
	}
	startURL := c.resumeURL
	c.mu.Unlock()

	if startURL == "" {
		startURL = browser.NormalizeStartURL(c.cfg.Browser.DefaultStartURL)
	}
	if startURL == "" {
		return nil
	}

	_, err := c.exec.DoTimeout(executor.LaneControl, warmupTimeout, func(ctx context.Context) (any, error) {
		sess, err := c.ensureSession(ctx)
		if err != nil {
			return nil, err
		}
		if err := sess.AttachAllWatchdogs(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to pre-attach watchdogs during warmup")
		}
		if err := sess.NavigateTo(ctx, startURL); err != nil {
			return nil, err
		}
		current, err := sess.CurrentPageURL(ctx)
		if err != nil {
			c.logger.Debug().Err(err).Msg("failed to verify browser location after warmup")
			return nil, nil
		}
		if strings.TrimRight(current, "/") != strings.TrimRight(startURL, "/") {
			c.logger.Debug().
				Str("current", current).
				Str("configured", startURL).
				Msg("warmup navigated to a different page")
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to prepare browser start page")
		return nil
	}

	c.mu.Lock()
	if c.session != nil {
		c.startPageReady = true
	}
	c.mu.Unlock()
	return nil
}

// CloseAdditionalTabs closes every tab except the focused one and
// optionally reloads the focused tab at refreshURL. Best effort.
func (c *Controller) CloseAdditionalTabs(refreshURL string) (int, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return 0, newError(KindConfiguration, "no browser session")
	}

	value, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		closed, err := sess.CloseAdditionalTabs(ctx)
		if err != nil {
			return closed, err
		}
		if refreshURL != "" {
			if navErr := sess.NavigateTo(ctx, refreshURL); navErr != nil {
				c.logger.Debug().Err(navErr).Msg("failed to refresh start page after tab cleanup")
			}
		}
		return closed, nil
	})
	closed, _ := value.(int)
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			return closed, wrapError(KindTimeout, "tab cleanup timed out", err)
		}
		return closed, wrapError(KindTransientSession, "tab cleanup failed", err)
	}
	return closed, nil
}

// UpdateLLM builds a replacement client first; only on success does it
// swap references and close the old client.
func (c *Controller) UpdateLLM(sel config.ModelSelection) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(KindShutdown, "controller is shut down")
	}
	c.mu.Unlock()

	replacement, err := c.clientFactory(sel)
	if err != nil {
		return wrapError(KindConfiguration, "building replacement model client failed", err)
	}

	_, err = c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		c.mu.Lock()
		old := c.llm
		c.llm = replacement
		if c.agent != nil {
			c.agent.SetLLM(replacement)
		}
		if c.currentAgent != nil && c.currentAgent != c.agent {
			c.currentAgent.SetLLM(replacement)
		}
		c.mu.Unlock()

		if old != nil {
			if closeErr := old.Close(); closeErr != nil {
				c.logger.Debug().Err(closeErr).Msg("failed to close previous model client")
			}
		}
		return nil, nil
	})
	if err != nil {
		return c.translateControl(err, "model swap failed")
	}

	if c.metrics != nil {
		c.metrics.LLMSwapsTotal.WithLabelValues(sel.Provider).Inc()
	}
	c.logger.Info().Str("provider", sel.Provider).Str("model", sel.Model).Msg("model client updated")
	return nil
}

// EvaluateInBrowser runs a JavaScript expression in the active page.
func (c *Controller) EvaluateInBrowser(script string) (any, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, newError(KindConfiguration, "no browser session")
	}

	value, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		return sess.Evaluate(ctx, script)
	})
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			return nil, wrapError(KindTimeout, "script evaluation timed out", err)
		}
		return nil, wrapError(KindTransientSession, "script evaluation failed", err)
	}
	return value, nil
}

// Tabs lists the session's open pages.
func (c *Controller) Tabs() ([]browser.Tab, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, newError(KindConfiguration, "no browser session")
	}

	value, err := c.exec.DoTimeout(executor.LaneControl, c.controlTimeout, func(ctx context.Context) (any, error) {
		return sess.Tabs(ctx)
	})
	if err != nil {
		if errors.Is(err, executor.ErrTimeout) {
			return nil, wrapError(KindTimeout, "tab listing timed out", err)
		}
		return nil, wrapError(KindTransientSession, "tab listing failed", err)
	}
	tabs, _ := value.([]browser.Tab)
	return tabs, nil
}

// IsRunning reports whether a run is in flight.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// IsPaused reports whether the running agent is paused.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetVisionEnabled toggles the user preference; the effective value
// still depends on the active provider and model.
func (c *Controller) SetVisionEnabled(enabled bool) {
	c.mu.Lock()
	c.visionEnabled = enabled
	c.mu.Unlock()
}

// IsVisionEnabled reports the user vision preference.
func (c *Controller) IsVisionEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visionEnabled
}

// HandledInitialTask reports whether any run has been requested yet.
func (c *Controller) HandledInitialTask() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialTaskHandled
}

// MarkInitialTaskHandled records that the first task was dispatched
// elsewhere.
func (c *Controller) MarkInitialTaskHandled() {
	c.mu.Lock()
	c.initialTaskHandled = true
	c.mu.Unlock()
}

// ResumeURL returns the page the next run resumes at, empty when
// none is known.
func (c *Controller) ResumeURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeURL
}

// StepMessageID looks up the history message id recorded for a step
// of the latest run.
func (c *Controller) StepMessageID(step int) (int64, bool) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	id, ok := c.stepMessageIDs[step]
	return id, ok
}

func (c *Controller) rememberStepMessageID(step int, id int64) {
	c.stepMu.Lock()
	c.stepMessageIDs[step] = id
	c.stepMu.Unlock()
}

func (c *Controller) clearStepMessageIDs() {
	c.stepMu.Lock()
	c.stepMessageIDs = make(map[int]int64)
	c.stepMu.Unlock()
}

// Shutdown tears everything down. Idempotent; the cleanup hook runs
// exactly once regardless of prior failures.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.runCleanupHook()
		return nil
	}
	c.closed = true
	ag := c.currentAgent
	if ag == nil {
		ag = c.agent
	}
	sess := c.session
	llm := c.llm
	cleanup := c.endpointCleanup
	c.session = nil
	c.agent = nil
	c.currentAgent = nil
	c.llm = nil
	c.endpointCleanup = nil
	c.paused = false
	c.resumeURL = ""
	c.mu.Unlock()

	c.clearStepMessageIDs()

	if ag != nil {
		ag.Stop()
	}

	_, err := c.exec.DoTimeout(executor.LaneControl, teardownTimeout, func(ctx context.Context) (any, error) {
		if sess != nil {
			if stopErr := sess.Stop(ctx); stopErr != nil {
				c.logger.Debug().Err(stopErr).Msg("failed to stop session during shutdown")
			}
		}
		if llm != nil {
			if closeErr := llm.Close(); closeErr != nil {
				c.logger.Debug().Err(closeErr).Msg("failed to close model client during shutdown")
			}
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("shutdown teardown did not settle in time")
	}

	if closeErr := c.exec.Close(teardownTimeout); closeErr != nil {
		c.logger.Debug().Err(closeErr).Msg("executor did not drain in time")
	}

	if cleanup != nil {
		cleanup()
	}

	c.runCleanupHook()
	return nil
}

func (c *Controller) runCleanupHook() {
	c.cleanupOnce.Do(func() {
		if c.opts.CleanupHook != nil {
			c.opts.CleanupHook()
		}
	})
}

// translate maps arbitrary errors onto the public error type.
func (c *Controller) translate(err error) error {
	if err == nil {
		return nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return err
	}
	if errors.Is(err, executor.ErrClosed) {
		return wrapError(KindShutdown, "controller is shut down", err)
	}
	if errors.Is(err, executor.ErrTimeout) {
		return wrapError(KindTimeout, "operation timed out", err)
	}
	return wrapError(KindFatalAgent, "run failed", err)
}

func (c *Controller) translateControl(err error, message string) error {
	if errors.Is(err, executor.ErrTimeout) {
		return wrapError(KindTimeout, message, err)
	}
	if errors.Is(err, executor.ErrClosed) {
		return wrapError(KindShutdown, message, err)
	}
	return wrapError(KindConcurrency, message, err)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is the browser surface the agent needs during a run.
type Session interface {
	NavigateTo(ctx context.Context, url string) error
	CurrentPageURL(ctx context.Context) (string, error)
}

// StepCallback is invoked after every executed step.
type StepCallback func(record StepRecord)

// Config constructs an Agent.
type Config struct {
	Task         string
	Session      Session
	LLM          LLMClient
	SystemPrompt string
	StepCallback StepCallback
	MaxSteps     int
	StepTimeout  time.Duration
	UseVision    bool

	// InitialNavigation is navigated before the first step when set.
	InitialNavigation string

	Logger zerolog.Logger
}

// Agent executes one task against a browser session, step by step.
type Agent struct {
	mu   sync.Mutex
	cond *sync.Cond

	session      Session
	llm          LLMClient
	systemPrompt string
	stepCallback StepCallback
	maxSteps     int
	stepTimeout  time.Duration
	useVision    bool
	initialNav   string
	logger       zerolog.Logger

	tasks   []string
	history *History

	running       bool
	paused        bool
	stopRequested bool
}

// New validates cfg and builds an agent.
func New(cfg Config) (*Agent, error) {
	task := strings.TrimSpace(cfg.Task)
	if task == "" {
		return nil, errors.New("agent: task is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("agent: LLM client is required")
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}

	a := &Agent{
		session:      cfg.Session,
		llm:          cfg.LLM,
		systemPrompt: cfg.SystemPrompt,
		stepCallback: cfg.StepCallback,
		maxSteps:     maxSteps,
		stepTimeout:  cfg.StepTimeout,
		useVision:    cfg.UseVision,
		initialNav:   cfg.InitialNavigation,
		logger:       cfg.Logger.With().Str("component", "agent").Logger(),
		tasks:        []string{task},
		history:      &History{},
	}
	a.cond = sync.NewCond(&a.mu)
	return a, nil
}

// AddNewTask appends a follow-up instruction and clears completion
// markers so the next run executes real steps.
func (a *Agent) AddNewTask(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errors.New("agent: follow-up task is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = append(a.tasks, trimmed)
	a.history.resetCompletion()
	return nil
}

// ResetCompletionState clears done/success markers on the recorded
// history and any pending stop request. It reports whether anything was
// cleared.
func (a *Agent) ResetCompletionState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRequested = false
	return a.history.resetCompletion()
}

// Pause suspends a run in progress before its next step.
func (a *Agent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return errors.New("agent: not running")
	}
	if a.paused {
		return errors.New("agent: already paused")
	}
	a.paused = true
	return nil
}

// Resume continues a paused run.
func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return errors.New("agent: not running")
	}
	if !a.paused {
		return errors.New("agent: not paused")
	}
	a.paused = false
	a.cond.Broadcast()
	return nil
}

// Stop requests a graceful stop before the next step.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopRequested = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

// IsPaused reports the pause flag.
func (a *Agent) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// SetSession rebinds the agent to a (possibly new) session.
func (a *Agent) SetSession(s Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

// SetLLM swaps the LLM client between runs.
func (a *Agent) SetLLM(c LLMClient) {
	a.mu.Lock()
	a.llm = c
	a.mu.Unlock()
}

// LLM returns the bound client.
func (a *Agent) LLM() LLMClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.llm
}

// SetStepCallback rebinds the per-step notification.
func (a *Agent) SetStepCallback(cb StepCallback) {
	a.mu.Lock()
	a.stepCallback = cb
	a.mu.Unlock()
}

// SetInitialNavigation forces the next run to navigate to url before
// its first step. An empty url clears the pending navigation.
func (a *Agent) SetInitialNavigation(url string) {
	a.mu.Lock()
	a.initialNav = url
	a.mu.Unlock()
}

// History returns the recorded history.
func (a *Agent) History() *History {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history
}

// Run executes up to maxSteps steps (0 uses the configured budget) and
// returns a snapshot of the history. A run whose history already carries
// a completion marker short-circuits without executing steps; callers
// that want fresh steps clear the markers first.
func (a *Agent) Run(ctx context.Context, maxSteps int) (*History, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, errors.New("agent: run already in progress")
	}
	a.running = true
	budget := maxSteps
	if budget <= 0 {
		budget = a.maxSteps
	}
	initialNav := a.initialNav
	a.initialNav = ""
	alreadyDone := a.history.IsDone()
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.paused = false
		a.cond.Broadcast()
		a.mu.Unlock()
	}()

	if alreadyDone {
		a.logger.Debug().Msg("Completion marker present, skipping run")
		return a.snapshot(), nil
	}

	if initialNav != "" {
		if err := a.navigate(ctx, initialNav); err != nil {
			return a.snapshot(), err
		}
	}

	for step := 1; step <= budget; step++ {
		if err := a.waitWhilePaused(ctx); err != nil {
			return a.snapshot(), err
		}

		a.mu.Lock()
		stopped := a.stopRequested
		a.mu.Unlock()
		if stopped {
			a.logger.Info().Int("step", step).Msg("Run stopped before step")
			break
		}

		record, done, err := a.executeStep(ctx, step)
		if err != nil {
			return a.snapshot(), err
		}

		a.mu.Lock()
		a.history.Steps = append(a.history.Steps, record)
		cb := a.stepCallback
		a.mu.Unlock()

		if cb != nil {
			cb(record)
		}
		if done {
			break
		}
	}

	return a.snapshot(), nil
}

// executeStep calls the LLM once and interprets its decision.
func (a *Agent) executeStep(ctx context.Context, step int) (StepRecord, bool, error) {
	a.mu.Lock()
	llm := a.llm
	session := a.session
	systemPrompt := a.systemPrompt
	task := strings.Join(a.tasks, "\n\nFollow-up task: ")
	timeout := a.stepTimeout
	a.mu.Unlock()

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stateURL := ""
	if session != nil {
		if url, err := session.CurrentPageURL(stepCtx); err == nil {
			stateURL = url
		}
	}

	user := fmt.Sprintf("Task: %s\n\nStep: %d\nCurrent page: %s", task, step, stateURL)
	resp, err := llm.Call(stepCtx, LLMRequest{
		Messages:     []Message{{Role: "user", Content: user}},
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return StepRecord{}, false, fmt.Errorf("agent: step %d failed: %w", step, err)
	}

	decision := parseDecision(resp.Content)
	record := StepRecord{
		Step:        step,
		StateURL:    stateURL,
		ModelOutput: resp.Content,
		Evaluation:  decision.Evaluation,
	}
	result := ActionResult{Content: decision.Action}
	if decision.Done {
		result.IsDone = true
		result.Success = decision.Success
	}
	record.Results = append(record.Results, result)

	return record, decision.Done, nil
}

func (a *Agent) navigate(ctx context.Context, url string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.NavigateTo(ctx, url); err != nil {
		return fmt.Errorf("agent: initial navigation to %s failed: %w", url, err)
	}
	return nil
}

// waitWhilePaused blocks while the pause flag is set. Context
// cancellation and stop requests both wake the wait.
func (a *Agent) waitWhilePaused(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	for a.paused && !a.stopRequested && ctx.Err() == nil {
		a.cond.Wait()
	}
	a.mu.Unlock()
	return ctx.Err()
}

// snapshot copies the history so callers own their result.
func (a *Agent) snapshot() *History {
	a.mu.Lock()
	defer a.mu.Unlock()
	steps := make([]StepRecord, len(a.history.Steps))
	copy(steps, a.history.Steps)
	return &History{Steps: steps}
}

// decision is the JSON shape the model is instructed to emit per step.
type decision struct {
	Action     string `json:"action"`
	Evaluation string `json:"evaluation"`
	Done       bool   `json:"done"`
	Success    *bool  `json:"success"`
}

// parseDecision tolerates prose around the JSON object and falls back to
// treating the whole output as a free-form action.
func parseDecision(content string) decision {
	var d decision
	trimmed := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(trimmed), &d); err == nil {
		return d
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &d); err == nil {
			return d
		}
	}

	return decision{Action: trimmed}
}

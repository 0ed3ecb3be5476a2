package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"

	"agentfleet/internal/critique"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/hsm"
	"agentfleet/internal/llm"
	"agentfleet/internal/model"
	"agentfleet/internal/policy"
	"agentfleet/internal/processor"
	"agentfleet/internal/publish"
	"agentfleet/internal/session"
	"agentfleet/internal/store"
)

// ErrStalled marks a worker that produced no output past the stall threshold.
var ErrStalled = errors.New("worker stalled")

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	SaveWorker(record model.WorkerRecord) error
	GetWorker(id string) (model.WorkerRecord, error)
	ListWorkers() ([]model.WorkerRecord, error)
	DeleteWorker(id string) (bool, error)
}

// VCS bootstraps worker checkouts.
type VCS interface {
	Clone(ctx context.Context, url string, destDir string) error
	CreateBranch(ctx context.Context, repoDir string, name string) error
	Diff(ctx context.Context, repoDir string) (string, error)
}

// AgentSession is the supervisor surface the scheduler drives. Satisfied by
// *session.Session and by test fakes.
type AgentSession interface {
	Start() error
	SendInstruction(text string) error
	ReadOutput() string
	IsQuiescent(stability time.Duration) (bool, error)
	LastOutputAt() time.Time
	Status() session.StreamStatus
	ExitError() string
	Cleanup()
}

// SessionFactory builds a session for a freshly provisioned checkout.
type SessionFactory func(cfg session.Config) AgentSession

// Dependencies carries everything the service needs; optional fields get
// defaults where one exists.
type Dependencies struct {
	Store          Store
	LLM            llm.Client
	Publisher      publish.Publisher
	Bus            eventbus.Bus
	VCS            VCS
	SessionFactory SessionFactory
	Logger         *log.Logger
	WorkspaceRoot  string
}

type workerRuntime struct {
	session   AgentSession
	processor *processor.Processor
}

// Service is the fleet scheduler: it provisions workers, polls them on a
// fixed cadence, turns quiet output into the next instruction, and drives
// the finish/publish sequence. One registry mutex guards the live
// session/processor map; the persisted record is only ever written from the
// scheduler's own goroutine.
type Service struct {
	cfg       policy.Config
	store     Store
	llmClient llm.Client
	publisher publish.Publisher
	bus       eventbus.Bus
	vcs       VCS
	gate      *critique.Gate
	logger    *log.Logger

	workspaceRoot  string
	sessionFactory SessionFactory

	mu      sync.Mutex
	workers map[string]*workerRuntime
}

func NewService(cfg policy.Config, deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator requires a store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.NoopBus{}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = publish.NewGHPublisher(cfg.Publish.BaseBranch, logger)
	}
	workspaceRoot := strings.TrimSpace(deps.WorkspaceRoot)
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(".agentfleet", "workspaces")
	}
	factory := deps.SessionFactory
	if factory == nil {
		factory = func(sessionCfg session.Config) AgentSession {
			return session.New(sessionCfg)
		}
	}
	// Without an llm client the service still provisions, deletes, and
	// serves reads; only the decision step is unavailable.
	var gate *critique.Gate
	if deps.LLM != nil {
		gate = critique.NewGate(deps.LLM, logger)
	}

	return &Service{
		cfg:            cfg,
		store:          deps.Store,
		llmClient:      deps.LLM,
		publisher:      publisher,
		bus:            bus,
		vcs:            deps.VCS,
		gate:           gate,
		logger:         logger,
		workspaceRoot:  workspaceRoot,
		sessionFactory: factory,
		workers:        make(map[string]*workerRuntime),
	}, nil
}

// ProvisionOptions tunes a Provision call.
type ProvisionOptions struct {
	AcceptanceCriteria string
}

var workspaceSubdirs = []string{"src", "tests", "docs", "config"}

// Provision creates replicaCount workers for the task: workspace scaffold,
// clone, branch, session, record. A failure aborts only that replica; the
// returned ids are the ones that made it. Nil with an error means none did.
func (s *Service) Provision(ctx context.Context, repoURL string, taskText string, replicaCount int, opts ProvisionOptions) ([]string, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, errors.New("repo url is required")
	}
	if replicaCount <= 0 {
		replicaCount = 1
	}

	var provisioned []string
	var failures []string
	for i := 0; i < replicaCount; i++ {
		id, err := s.provisionOne(ctx, repoURL, taskText, opts)
		if err != nil {
			s.logger.Printf("orchestrator: provision replica %d/%d failed: %v", i+1, replicaCount, err)
			failures = append(failures, err.Error())
			continue
		}
		provisioned = append(provisioned, id)
	}
	if len(provisioned) == 0 {
		return nil, errors.Errorf("no replica could be provisioned: %s", strings.Join(failures, "; "))
	}
	return provisioned, nil
}

func (s *Service) provisionOne(ctx context.Context, repoURL string, taskText string, opts ProvisionOptions) (string, error) {
	id := "w-" + strings.ToLower(shortuuid.New())
	workspacePath := filepath.Join(s.workspaceRoot, id)
	repoPath := filepath.Join(workspacePath, "repo")

	cleanupPartial := func() { _ = os.RemoveAll(workspacePath) }

	for _, sub := range workspaceSubdirs {
		if err := os.MkdirAll(filepath.Join(workspacePath, sub), 0o755); err != nil {
			cleanupPartial()
			return "", errors.Wrapf(err, "scaffold workspace for %s", id)
		}
	}

	now := time.Now()
	record := model.WorkerRecord{
		ID:                 id,
		WorkspacePath:      workspacePath,
		RepoPath:           repoPath,
		RepoURL:            repoURL,
		TaskText:           taskText,
		Status:             model.WorkerStatusInitializing,
		CreatedAt:          now,
		LastUpdated:        now,
		AcceptanceCriteria: opts.AcceptanceCriteria,
	}

	if s.vcs == nil {
		cleanupPartial()
		return "", errors.New("no vcs client configured")
	}
	if err := s.vcs.Clone(ctx, repoURL, repoPath); err != nil {
		cleanupPartial()
		return "", errors.Wrapf(err, "clone for %s", id)
	}

	record.Branch = s.cfg.Publish.BranchPrefix + "/" + id
	if err := s.vcs.CreateBranch(ctx, repoPath, record.Branch); err != nil {
		cleanupPartial()
		return "", errors.Wrapf(err, "branch for %s", id)
	}

	sess := s.sessionFactory(s.sessionConfig(repoPath))
	if err := sess.Start(); err != nil {
		cleanupPartial()
		return "", errors.Wrapf(err, "start session for %s", id)
	}

	proc := processor.New(id, s.gate,
		processor.WithLogger(s.logger),
		processor.WithDiffProvider(func() (string, error) {
			return s.vcs.Diff(context.Background(), repoPath)
		}),
	)

	record.Status = model.WorkerStatusInProgress
	record.LastUpdated = time.Now()
	if err := s.store.SaveWorker(record); err != nil {
		sess.Cleanup()
		cleanupPartial()
		return "", errors.Wrapf(err, "persist worker %s", id)
	}

	s.mu.Lock()
	s.workers[id] = &workerRuntime{session: sess, processor: proc}
	s.mu.Unlock()

	s.publishEvent(ctx, model.WorkerEvent{
		WorkerID:  id,
		EventType: "provisioned",
		ToStatus:  string(record.Status),
		Message:   "workspace " + workspacePath,
	})
	s.logger.Printf("orchestrator: provisioned worker %s on branch %s", id, record.Branch)
	return id, nil
}

func (s *Service) sessionConfig(repoPath string) session.Config {
	return session.Config{
		WorkspacePath:  repoPath,
		Command:        s.cfg.Session.AgentCommand,
		Args:           s.cfg.Session.AgentArgs,
		BufferMaxBytes: s.cfg.Session.OutputBufferMaxBytes,
		GracePeriod:    time.Duration(s.cfg.Session.GraceSeconds) * time.Second,
		NoiseFilters:   s.cfg.Session.NoiseFilters,
		Logger:         s.logger,
	}
}

// Delete tears a worker down: session cleanup, workspace removal with
// backoff, record removal. Idempotent; false means the record never existed.
// The manager worker is protected.
func (s *Service) Delete(ctx context.Context, workerID string) (bool, error) {
	if workerID == model.ManagerWorkerID {
		return false, errors.Errorf("worker %q cannot be deleted", model.ManagerWorkerID)
	}

	s.mu.Lock()
	runtime := s.workers[workerID]
	delete(s.workers, workerID)
	s.mu.Unlock()
	if runtime != nil {
		runtime.session.Cleanup()
	}

	record, err := s.store.GetWorker(workerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "load worker %s", workerID)
	}

	if strings.TrimSpace(record.WorkspacePath) != "" {
		if err := s.removeWorkspace(record.WorkspacePath); err != nil {
			s.logger.Printf("orchestrator: workspace removal for %s failed after retries: %v", workerID, err)
		}
	}

	if _, err := s.store.DeleteWorker(workerID); err != nil {
		return false, errors.Wrapf(err, "delete worker %s", workerID)
	}
	s.publishEvent(ctx, model.WorkerEvent{
		WorkerID:   workerID,
		EventType:  "deleted",
		FromStatus: string(record.Status),
	})
	s.logger.Printf("orchestrator: deleted worker %s", workerID)
	return true, nil
}

// removeWorkspace retries removal with exponential backoff; the external
// process or OS may transiently hold file locks.
func (s *Service) removeWorkspace(path string) error {
	attempts := uint(5)
	if s.cfg.Scheduler.CleanupRetries > 0 {
		attempts = uint(s.cfg.Scheduler.CleanupRetries)
	}
	return retry.Retry(
		func(_ uint) error {
			return os.RemoveAll(path)
		},
		strategy.Limit(attempts),
		strategy.Backoff(backoff.BinaryExponential(time.Second)),
	)
}

// GetOutput returns the live buffer for a running worker, or the persisted
// snapshot otherwise.
func (s *Service) GetOutput(workerID string) (string, error) {
	s.mu.Lock()
	runtime := s.workers[workerID]
	s.mu.Unlock()
	if runtime != nil {
		return runtime.session.ReadOutput(), nil
	}
	record, err := s.store.GetWorker(workerID)
	if err != nil {
		return "", err
	}
	return record.OutputSnapshot, nil
}

func (s *Service) GetStatus(workerID string) (model.WorkerRecord, error) {
	return s.store.GetWorker(workerID)
}

func (s *Service) ListWorkers() ([]model.WorkerRecord, error) {
	return s.store.ListWorkers()
}

// RunForever polls every worker on the configured cadence until the context
// is cancelled. A single worker's failure never stops the loop.
func (s *Service) RunForever(ctx context.Context) error {
	interval := time.Duration(s.cfg.Scheduler.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.logger.Printf("orchestrator: poll loop started (interval %s)", interval)
	for {
		if err := s.PollOnce(ctx); err != nil {
			s.logger.Printf("orchestrator: poll cycle: %v", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Printf("orchestrator: poll loop stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PollOnce runs one scheduler cycle over every non-terminal worker. Errors
// from one worker are logged and do not prevent the rest from being polled.
func (s *Service) PollOnce(ctx context.Context) error {
	records, err := s.store.ListWorkers()
	if err != nil {
		return errors.Wrap(err, "list workers")
	}
	for _, record := range records {
		if record.Terminal() {
			continue
		}
		if err := s.pollWorker(ctx, record); err != nil {
			s.logger.Printf("orchestrator: worker %s: %v", record.ID, err)
		}
	}
	return nil
}

func (s *Service) pollWorker(ctx context.Context, record model.WorkerRecord) error {
	s.mu.Lock()
	runtime := s.workers[record.ID]
	s.mu.Unlock()

	// Publication retry path: critique already passed, no handle yet.
	if record.Status == model.WorkerStatusAwaitingReview {
		return s.drivePublication(ctx, record, runtime)
	}

	if runtime == nil {
		// Record without a live session, e.g. after a restart. Nothing to
		// poll; the record keeps its last persisted state.
		return nil
	}
	sess := runtime.session

	if exitErr := sess.ExitError(); exitErr != "" {
		return s.failWorker(ctx, record, runtime, "agent process exited: "+exitErr)
	}

	// Step 1: snapshot new output into the persisted record.
	output := sess.ReadOutput()
	if output != record.OutputSnapshot {
		record.OutputSnapshot = output
		record.LastUpdated = time.Now()
		if err := s.store.SaveWorker(record); err != nil {
			return errors.Wrap(err, "persist output snapshot")
		}
	}

	// Step 2: a quiet worker gets its next instruction.
	stability := time.Duration(s.cfg.Session.StabilitySeconds) * time.Second
	quiet, err := sess.IsQuiescent(stability)
	if err != nil {
		return errors.Wrap(err, "quiescence check")
	}
	if quiet {
		if err := s.decideAndInstruct(ctx, &record, runtime); err != nil {
			return err
		}
		if record.Terminal() || record.Status == model.WorkerStatusAwaitingReview {
			return nil
		}
	}

	// Step 3: stall detection against the last time output arrived.
	stallAfter := time.Duration(s.cfg.Scheduler.StallSeconds) * time.Second
	lastOutput := sess.LastOutputAt()
	if lastOutput.IsZero() {
		lastOutput = record.CreatedAt
	}
	if !lastOutput.IsZero() && time.Since(lastOutput) > stallAfter {
		return s.failWorker(ctx, record, runtime,
			fmt.Sprintf("stalled: no output for %s", time.Since(lastOutput).Truncate(time.Second)))
	}
	return nil
}

// decideAndInstruct runs one decision step: LLM reply, action state machine,
// then either an instruction to the session or the finish sequence.
// Protocol-layer failures are logged and leave the worker untouched.
func (s *Service) decideAndInstruct(ctx context.Context, record *model.WorkerRecord, runtime *workerRuntime) error {
	if s.llmClient == nil {
		return errors.New("no llm client configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.llmTimeout())
	defer cancel()

	reply, err := s.llmClient.Complete(callCtx, s.instructorPrompt(record.TaskText), record.OutputSnapshot, model.ModelClassAgent)
	if err != nil {
		return errors.Wrap(err, "decision completion")
	}

	outcome, err := runtime.processor.Process(callCtx, reply, record.AcceptanceCriteria)
	switch {
	case errors.Is(err, processor.ErrInvalidResponse),
		errors.Is(err, processor.ErrUnknownAction),
		errors.Is(err, processor.ErrMissingCriteria):
		s.logger.Printf("orchestrator: worker %s: recoverable protocol error: %v", record.ID, err)
		return nil
	case err != nil:
		return errors.Wrap(err, "process response")
	}

	record.Progress = outcome.Response.Progress
	record.Thought = outcome.Response.Thought
	record.Future = outcome.Response.Future
	record.LastAction = outcome.Response.Action
	record.ProgressHistory = appendHistory(record.ProgressHistory, outcome.Response.Progress, outcome.Response.Timestamp)
	record.ThoughtHistory = appendHistory(record.ThoughtHistory, outcome.Response.Thought, outcome.Response.Timestamp)
	if outcome.CritiqueFeedback != "" {
		record.LastCritique = outcome.CritiqueFeedback
	}
	record.LastUpdated = time.Now()

	if outcome.Finished {
		record.Publication = outcome.Publication
		if err := s.transition(ctx, record, model.WorkerStatusAwaitingReview, "critique passed"); err != nil {
			return err
		}
		if err := s.store.SaveWorker(*record); err != nil {
			return errors.Wrap(err, "persist finish state")
		}
		return s.drivePublication(ctx, *record, runtime)
	}

	if err := s.store.SaveWorker(*record); err != nil {
		return errors.Wrap(err, "persist decision state")
	}
	// Corrective commands from the finish gate come back in /instruct form;
	// the session receives the bare instruction text.
	command := outcome.Command
	if strings.HasPrefix(command, "/instruct ") {
		command = strings.TrimSpace(strings.TrimPrefix(command, "/instruct "))
	}
	return s.sendWithRestart(ctx, record, runtime, command)
}

// sendWithRestart forwards a command, allowing exactly one session restart
// when the input pipe is gone.
func (s *Service) sendWithRestart(ctx context.Context, record *model.WorkerRecord, runtime *workerRuntime, command string) error {
	err := runtime.session.SendInstruction(command)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrPipeClosed) {
		return errors.Wrap(err, "send instruction")
	}

	s.logger.Printf("orchestrator: worker %s: input pipe closed, restarting session", record.ID)
	runtime.session.Cleanup()
	fresh := s.sessionFactory(s.sessionConfig(record.RepoPath))
	if err := fresh.Start(); err != nil {
		return s.failWorker(ctx, *record, runtime, "session restart failed: "+err.Error())
	}
	s.mu.Lock()
	runtime.session = fresh
	s.mu.Unlock()

	if err := fresh.SendInstruction(command); err != nil {
		return s.failWorker(ctx, *record, runtime, "instruction failed after restart: "+err.Error())
	}
	return nil
}

// drivePublication opens the reviewable change for a worker whose critique
// passed. Failure keeps the worker in awaiting_review for the next cycle.
func (s *Service) drivePublication(ctx context.Context, record model.WorkerRecord, runtime *workerRuntime) error {
	if record.Publication == nil {
		return errors.Errorf("worker %s awaits review without publication metadata", record.ID)
	}
	if record.PublicationHandle != nil {
		return s.completeWorker(ctx, record, runtime)
	}

	meta := *record.Publication
	if len(meta.Labels) == 0 {
		meta.Labels = s.cfg.Publish.DefaultLabels
	}
	if len(meta.Reviewers) == 0 {
		meta.Reviewers = s.cfg.Publish.DefaultReviewers
	}

	callCtx, cancel := context.WithTimeout(ctx, s.llmTimeout())
	defer cancel()
	handle, err := s.publisher.Publish(callCtx, record.RepoPath, record.Branch, meta)
	if err != nil {
		record.LastError = err.Error()
		record.LastUpdated = time.Now()
		if saveErr := s.store.SaveWorker(record); saveErr != nil {
			s.logger.Printf("orchestrator: worker %s: persist publish error: %v", record.ID, saveErr)
		}
		return errors.Wrapf(err, "publish worker %s", record.ID)
	}

	record.PublicationHandle = &handle
	record.LastError = ""
	record.LastUpdated = time.Now()
	if err := s.store.SaveWorker(record); err != nil {
		return errors.Wrap(err, "persist publication handle")
	}
	s.publishEvent(ctx, model.WorkerEvent{
		WorkerID:  record.ID,
		EventType: "published",
		Message:   handle.URL,
	})
	return s.completeWorker(ctx, record, runtime)
}

func (s *Service) completeWorker(ctx context.Context, record model.WorkerRecord, runtime *workerRuntime) error {
	if err := s.transition(ctx, &record, model.WorkerStatusCompleted, "change published"); err != nil {
		return err
	}
	record.LastUpdated = time.Now()
	if err := s.store.SaveWorker(record); err != nil {
		return errors.Wrap(err, "persist completion")
	}
	s.releaseRuntime(record.ID, runtime)
	s.logger.Printf("orchestrator: worker %s completed: %s", record.ID, record.PublicationHandle.URL)
	return nil
}

// failWorker moves a worker to the terminal error state and releases its
// session and workspace. Workspace removal is best-effort; when every retry
// fails the record still loses its workspace reference so cleanup is not
// re-attempted forever.
func (s *Service) failWorker(ctx context.Context, record model.WorkerRecord, runtime *workerRuntime, reason string) error {
	record.LastError = reason
	if err := s.transition(ctx, &record, model.WorkerStatusError, reason); err != nil {
		return err
	}
	record.LastUpdated = time.Now()

	s.releaseRuntime(record.ID, runtime)
	if strings.TrimSpace(record.WorkspacePath) != "" {
		if err := s.removeWorkspace(record.WorkspacePath); err != nil {
			s.logger.Printf("orchestrator: worker %s: workspace removal failed: %v", record.ID, err)
		}
		record.WorkspacePath = ""
	}
	if err := s.store.SaveWorker(record); err != nil {
		return errors.Wrap(err, "persist error state")
	}
	s.logger.Printf("orchestrator: worker %s errored: %s", record.ID, reason)
	return nil
}

func (s *Service) releaseRuntime(workerID string, runtime *workerRuntime) {
	s.mu.Lock()
	delete(s.workers, workerID)
	s.mu.Unlock()
	if runtime != nil {
		runtime.session.Cleanup()
	}
}

// transition applies a status change after checking it is legal, and emits
// the status_changed event.
func (s *Service) transition(ctx context.Context, record *model.WorkerRecord, to model.WorkerStatus, message string) error {
	from := record.Status
	if !hsm.CanTransitionWorker(from, to) {
		return errors.Errorf("illegal status transition %s -> %s for worker %s", from, to, record.ID)
	}
	if from == to {
		return nil
	}
	record.Status = to
	s.publishEvent(ctx, model.WorkerEvent{
		WorkerID:   record.ID,
		EventType:  "status_changed",
		FromStatus: string(from),
		ToStatus:   string(to),
		Message:    message,
	})
	return nil
}

// Close tears down every live session. Records stay persisted.
func (s *Service) Close() {
	s.mu.Lock()
	runtimes := make([]*workerRuntime, 0, len(s.workers))
	for _, runtime := range s.workers {
		runtimes = append(runtimes, runtime)
	}
	s.workers = make(map[string]*workerRuntime)
	s.mu.Unlock()
	for _, runtime := range runtimes {
		runtime.session.Cleanup()
	}
}

func (s *Service) publishEvent(ctx context.Context, event model.WorkerEvent) {
	event.OccurredAt = time.Now()
	if err := s.bus.PublishWorkerEvent(ctx, event); err != nil {
		s.logger.Printf("orchestrator: publish event %s for %s: %v", event.EventType, event.WorkerID, err)
	}
}

func (s *Service) llmTimeout() time.Duration {
	timeout := time.Duration(s.cfg.LLM.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return timeout
}

func appendHistory(history []model.HistoryEntry, text string, at time.Time) []model.HistoryEntry {
	if strings.TrimSpace(text) == "" {
		return history
	}
	history = append(history, model.HistoryEntry{Text: text, Timestamp: at})
	if len(history) > processor.HistoryCap {
		history = append(history[:0:0], history[len(history)-processor.HistoryCap:]...)
	}
	return history
}

const instructorPromptTemplate = `You are supervising an interactive CLI coding assistant working on this task:

%s

You are shown the assistant's accumulated terminal output. Decide the next step
and respond with a single JSON object and nothing else:
{"progress": "<what has been accomplished so far>",
 "thought": "<your reasoning about the current state>",
 "action": "<one command from the vocabulary below>",
 "future": "<what should happen next>"}

Action vocabulary:
- "/instruct <text>" sends <text> to the assistant as its next instruction
- "/ls" lists files in the working directory
- "/git <args>" runs a git command
- "/add <file>" adds a file to the assistant's context
- "/run <command>" runs a shell command
- "/map" shows the repository map
- "/test" runs the test suite
- "/finish" declares the task complete and ready for review

Only use "/finish" when the task is genuinely done and tested.`

func (s *Service) instructorPrompt(taskText string) string {
	prompt := fmt.Sprintf(instructorPromptTemplate, taskText)
	if suffix := strings.TrimSpace(s.cfg.LLM.PromptSuffix); suffix != "" {
		prompt += "\n\n" + suffix
	}
	return prompt
}

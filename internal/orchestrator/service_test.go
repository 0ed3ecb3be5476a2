package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"agentfleet/internal/model"
	"agentfleet/internal/policy"
	"agentfleet/internal/publish"
	"agentfleet/internal/session"
	"agentfleet/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.WorkerRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]model.WorkerRecord{}}
}

func (f *fakeStore) SaveWorker(record model.WorkerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
	return nil
}

func (f *fakeStore) GetWorker(id string) (model.WorkerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return model.WorkerRecord{}, store.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) ListWorkers() ([]model.WorkerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.WorkerRecord, 0, len(f.records))
	for _, record := range f.records {
		out = append(out, record)
	}
	return out, nil
}

func (f *fakeStore) DeleteWorker(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	delete(f.records, id)
	return ok, nil
}

type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeLLM) Complete(_ context.Context, _ string, _ string, _ model.ModelClass) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return "", errors.New("fake llm: no scripted reply left")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

type fakeVCS struct {
	mu         sync.Mutex
	cloneErrs  []error
	cloneCalls int
	branches   []string
}

func (f *fakeVCS) Clone(_ context.Context, _ string, destDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloneCalls++
	if len(f.cloneErrs) > 0 {
		err := f.cloneErrs[0]
		f.cloneErrs = f.cloneErrs[1:]
		if err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Join(destDir, ".git"), 0o755)
}

func (f *fakeVCS) CreateBranch(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	return nil
}

func (f *fakeVCS) Diff(context.Context, string) (string, error) {
	return "diff --git a/x b/x", nil
}

type fakePublisher struct {
	mu     sync.Mutex
	handle model.PublicationHandle
	errs   []error
	calls  int
}

func (f *fakePublisher) Publish(_ context.Context, _ string, _ string, _ model.PublicationMetadata) (model.PublicationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return model.PublicationHandle{}, err
		}
	}
	return f.handle, nil
}

type fakeSession struct {
	mu         sync.Mutex
	output     string
	quiescent  bool
	lastOutput time.Time
	exitErr    string
	startErr   error
	sendErrs   []error
	sent       []string
	cleanedUp  int
}

func (f *fakeSession) Start() error { return f.startErr }

func (f *fakeSession) SendInstruction(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) ReadOutput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

func (f *fakeSession) IsQuiescent(time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quiescent, nil
}

func (f *fakeSession) LastOutputAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOutput
}

func (f *fakeSession) Status() session.StreamStatus {
	return session.StreamStatus{LastOutputTime: f.lastOutput}
}

func (f *fakeSession) ExitError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *fakeSession) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp++
}

func (f *fakeSession) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type testHarness struct {
	svc       *Service
	store     *fakeStore
	llm       *fakeLLM
	vcs       *fakeVCS
	publisher *fakePublisher
	sessions  []*fakeSession
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     newFakeStore(),
		llm:       &fakeLLM{},
		vcs:       &fakeVCS{},
		publisher: &fakePublisher{handle: model.PublicationHandle{URL: "https://github.com/acme/w/pull/1", Number: 1, State: "open"}},
	}
	cfg := policy.Default()
	svc, err := NewService(cfg, Dependencies{
		Store:     h.store,
		LLM:       h.llm,
		Publisher: h.publisher,
		VCS:       h.vcs,
		SessionFactory: func(session.Config) AgentSession {
			s := &fakeSession{quiescent: true}
			h.sessions = append(h.sessions, s)
			return s
		},
		WorkspaceRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	h.svc = svc
	return h
}

func selfReport(action string) string {
	raw, _ := json.Marshal(map[string]string{
		"progress": "making progress",
		"thought":  "thinking about it",
		"action":   action,
		"future":   "next steps",
	})
	return string(raw)
}

func provisionOneWorker(t *testing.T, h *testHarness, criteria string) string {
	t.Helper()
	ids, err := h.svc.Provision(context.Background(), "https://example.com/repo.git", "fix the bug", 1, ProvisionOptions{
		AcceptanceCriteria: criteria,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one worker, got %v", ids)
	}
	return ids[0]
}

func TestProvisionCreatesWorkers(t *testing.T) {
	h := newHarness(t)
	ids, err := h.svc.Provision(context.Background(), "https://example.com/repo.git", "fix the bug", 2, ProvisionOptions{
		AcceptanceCriteria: "tests pass",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected two workers, got %v", ids)
	}
	for _, id := range ids {
		record, err := h.store.GetWorker(id)
		if err != nil {
			t.Fatalf("get worker %s: %v", id, err)
		}
		if record.Status != model.WorkerStatusInProgress {
			t.Fatalf("expected in_progress, got %s", record.Status)
		}
		if !strings.HasPrefix(record.Branch, "agentfleet/") {
			t.Fatalf("unexpected branch %q", record.Branch)
		}
		for _, sub := range []string{"src", "tests", "docs", "config"} {
			if _, err := os.Stat(filepath.Join(record.WorkspacePath, sub)); err != nil {
				t.Fatalf("missing workspace subdir %s: %v", sub, err)
			}
		}
	}
	if len(h.sessions) != 2 {
		t.Fatalf("expected two sessions, got %d", len(h.sessions))
	}
}

func TestProvisionReplicaFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.vcs.cloneErrs = []error{errors.New("network down"), nil}

	ids, err := h.svc.Provision(context.Background(), "https://example.com/repo.git", "task", 2, ProvisionOptions{})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one surviving replica, got %v", ids)
	}
	records, _ := h.store.ListWorkers()
	if len(records) != 1 {
		t.Fatalf("expected one persisted record, got %d", len(records))
	}
}

func TestProvisionAllFailedReturnsNil(t *testing.T) {
	h := newHarness(t)
	h.vcs.cloneErrs = []error{errors.New("down"), errors.New("down")}

	ids, err := h.svc.Provision(context.Background(), "https://example.com/repo.git", "task", 2, ProvisionOptions{})
	if err == nil {
		t.Fatalf("expected error when no replica survives")
	}
	if ids != nil {
		t.Fatalf("expected nil ids, got %v", ids)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")

	existed, err := h.svc.Delete(context.Background(), id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Fatalf("expected delete to report existing record")
	}
	if h.sessions[0].cleanedUp == 0 {
		t.Fatalf("expected session cleanup on delete")
	}

	existed, err = h.svc.Delete(context.Background(), id)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Fatalf("second delete must report missing record")
	}
}

func TestDeleteProtectsManager(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Delete(context.Background(), model.ManagerWorkerID); err == nil {
		t.Fatalf("expected manager deletion to be refused")
	}
}

func TestPollSkipsTerminalWorkers(t *testing.T) {
	h := newHarness(t)
	_ = h.store.SaveWorker(model.WorkerRecord{
		ID:     "done",
		Status: model.WorkerStatusCompleted,
	})
	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if h.llm.calls != 0 {
		t.Fatalf("terminal workers must not trigger llm calls, got %d", h.llm.calls)
	}
}

func TestPollQuiescentWorkerGetsInstruction(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")
	h.sessions[0].output = "agent output here"
	h.llm.replies = []string{selfReport("/instruct run the linter")}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	sent := h.sessions[0].sentCommands()
	if len(sent) != 1 || sent[0] != "run the linter" {
		t.Fatalf("unexpected instructions sent: %v", sent)
	}
	record, _ := h.store.GetWorker(id)
	if record.Progress != "making progress" || record.LastAction != "/instruct run the linter" {
		t.Fatalf("decision state not persisted: %+v", record)
	}
	if len(record.ProgressHistory) != 1 || len(record.ThoughtHistory) != 1 {
		t.Fatalf("histories not appended: %+v", record)
	}
	if record.OutputSnapshot != "agent output here" {
		t.Fatalf("output snapshot not persisted: %q", record.OutputSnapshot)
	}
}

func TestPollInvalidResponseLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")
	before, _ := h.store.GetWorker(id)
	h.llm.replies = []string{"not json at all"}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll must not fail on protocol errors: %v", err)
	}
	if len(h.sessions[0].sentCommands()) != 0 {
		t.Fatalf("no command may be forwarded on invalid response")
	}
	after, _ := h.store.GetWorker(id)
	if after.Status != before.Status || after.Progress != before.Progress {
		t.Fatalf("state changed on invalid response: %+v vs %+v", before, after)
	}
}

func TestPollFinishWithoutCriteriaIsRecoverable(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "")
	h.llm.replies = []string{selfReport("/finish")}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusInProgress {
		t.Fatalf("missing criteria must leave worker in_progress, got %s", record.Status)
	}
	if h.publisher.calls != 0 {
		t.Fatalf("publication must not run without criteria")
	}
}

func TestPollFinishCritiqueFailSendsCorrection(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "tests must pass")
	h.llm.replies = []string{
		selfReport("/finish"),
		`{"pass": false, "feedback": "add unit tests"}`,
	}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	sent := h.sessions[0].sentCommands()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "Please address this feedback") {
		t.Fatalf("expected corrective instruction, got %v", sent)
	}
	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusInProgress {
		t.Fatalf("failed critique must keep worker in_progress, got %s", record.Status)
	}
	if record.LastCritique != "add unit tests" {
		t.Fatalf("critique feedback not persisted: %q", record.LastCritique)
	}
	if h.publisher.calls != 0 {
		t.Fatalf("failed critique must not publish")
	}
}

func TestPollFinishCritiquePassPublishesAndCompletes(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "tests must pass")
	h.llm.replies = []string{
		selfReport("/finish"),
		`{"pass": true, "feedback": ""}`,
		`{"title": "Fix the bug", "description": "Fixed.", "labels": [], "reviewers": []}`,
	}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
	if record.Publication == nil || record.Publication.Title != "Fix the bug" {
		t.Fatalf("publication metadata not persisted: %+v", record.Publication)
	}
	if record.PublicationHandle == nil || record.PublicationHandle.Number != 1 {
		t.Fatalf("publication handle not persisted: %+v", record.PublicationHandle)
	}
	if h.publisher.calls != 1 {
		t.Fatalf("expected one publish call, got %d", h.publisher.calls)
	}
	if h.sessions[0].cleanedUp == 0 {
		t.Fatalf("completed worker must release its session")
	}
}

func TestPollPublishFailureRetriesNextCycle(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "tests must pass")
	h.publisher.errs = []error{errors.Wrap(publish.ErrPublishFailed, "remote rejected")}
	h.llm.replies = []string{
		selfReport("/finish"),
		`{"pass": true, "feedback": ""}`,
		`{"title": "Fix", "description": "Fixed."}`,
	}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusAwaitingReview {
		t.Fatalf("publish failure must leave worker awaiting_review, got %s", record.Status)
	}
	if record.LastError == "" {
		t.Fatalf("publish failure must be recorded")
	}

	// Next cycle retries publication without another finish round-trip.
	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	record, _ = h.store.GetWorker(id)
	if record.Status != model.WorkerStatusCompleted {
		t.Fatalf("expected completed after retry, got %s", record.Status)
	}
	if h.publisher.calls != 2 {
		t.Fatalf("expected two publish attempts, got %d", h.publisher.calls)
	}
	if record.LastError != "" {
		t.Fatalf("publish success must clear last error, got %q", record.LastError)
	}
}

func TestPollStalledWorkerErrorsAndReleasesWorkspace(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")
	h.sessions[0].quiescent = false
	h.sessions[0].lastOutput = time.Now().Add(-5 * time.Minute)

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusError {
		t.Fatalf("expected error status, got %s", record.Status)
	}
	if !strings.Contains(record.LastError, "stalled") {
		t.Fatalf("expected stall message, got %q", record.LastError)
	}
	if record.WorkspacePath != "" {
		t.Fatalf("stalled worker must lose its workspace reference")
	}
	if h.sessions[0].cleanedUp == 0 {
		t.Fatalf("stalled worker must release its session")
	}
	if h.llm.calls != 0 {
		t.Fatalf("stalled worker must not trigger llm calls")
	}
}

func TestPollProcessExitErrorFailsWorker(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")
	h.sessions[0].exitErr = "exit status 2"

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusError {
		t.Fatalf("expected error status, got %s", record.Status)
	}
	if !strings.Contains(record.LastError, "exit status 2") {
		t.Fatalf("exit error not recorded: %q", record.LastError)
	}
}

func TestSendPipeClosedRestartsOnce(t *testing.T) {
	h := newHarness(t)
	id := provisionOneWorker(t, h, "criteria")
	h.sessions[0].sendErrs = []error{session.ErrPipeClosed}
	h.llm.replies = []string{selfReport("/instruct keep going")}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(h.sessions) != 2 {
		t.Fatalf("expected a replacement session, got %d sessions", len(h.sessions))
	}
	if h.sessions[0].cleanedUp == 0 {
		t.Fatalf("dead session must be cleaned up before restart")
	}
	sent := h.sessions[1].sentCommands()
	if len(sent) != 1 || sent[0] != "keep going" {
		t.Fatalf("instruction not retried on fresh session: %v", sent)
	}
	record, _ := h.store.GetWorker(id)
	if record.Status != model.WorkerStatusInProgress {
		t.Fatalf("worker must stay in_progress after successful restart, got %s", record.Status)
	}
}

func TestPollWorkerErrorDoesNotStopCycle(t *testing.T) {
	h := newHarness(t)
	idA := provisionOneWorker(t, h, "criteria")
	idB := provisionOneWorker(t, h, "criteria")

	// First decision errors out (no scripted reply), second gets one. Map
	// iteration order is unspecified, so script both possible orders by
	// giving exactly one valid reply: exactly one worker receives it.
	h.llm.replies = []string{selfReport("/ls")}

	if err := h.svc.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	sentTotal := 0
	for _, sess := range h.sessions {
		sentTotal += len(sess.sentCommands())
	}
	if sentTotal != 1 {
		t.Fatalf("expected exactly one instruction across workers, got %d", sentTotal)
	}
	for _, id := range []string{idA, idB} {
		record, _ := h.store.GetWorker(id)
		if record.Terminal() {
			t.Fatalf("llm failure must not terminate worker %s", id)
		}
	}
}

func TestGetOutputFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t)
	_ = h.store.SaveWorker(model.WorkerRecord{
		ID:             "offline",
		Status:         model.WorkerStatusError,
		OutputSnapshot: "final output",
	})
	out, err := h.svc.GetOutput("offline")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if out != "final output" {
		t.Fatalf("expected persisted snapshot, got %q", out)
	}

	id := provisionOneWorker(t, h, "criteria")
	h.sessions[len(h.sessions)-1].output = "live output"
	out, err = h.svc.GetOutput(id)
	if err != nil {
		t.Fatalf("get live output: %v", err)
	}
	if out != "live output" {
		t.Fatalf("expected live buffer, got %q", out)
	}
}

func TestGetStatusUnknownWorker(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.GetStatus("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunForeverStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.RunForever(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run loop did not stop on cancel")
	}
}

func TestInstructorPromptCarriesTaskAndSuffix(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.LLM.PromptSuffix = "Always answer in English."
	prompt := h.svc.instructorPrompt("refactor the parser")
	for _, want := range []string{"refactor the parser", "/finish", "/instruct", "Always answer in English."} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAppendHistoryCaps(t *testing.T) {
	var history []model.HistoryEntry
	for i := 0; i < 130; i++ {
		history = appendHistory(history, fmt.Sprintf("entry-%d", i), time.Now())
	}
	if len(history) != 100 {
		t.Fatalf("expected capped history of 100, got %d", len(history))
	}
	if history[0].Text != "entry-30" || history[99].Text != "entry-129" {
		t.Fatalf("unexpected history window: %s .. %s", history[0].Text, history[99].Text)
	}
}

package hsm

import (
	"testing"

	"agentfleet/internal/model"
)

func TestWorkerTransitions(t *testing.T) {
	cases := []struct {
		from model.WorkerStatus
		to   model.WorkerStatus
		want bool
	}{
		{model.WorkerStatusPending, model.WorkerStatusInitializing, true},
		{model.WorkerStatusInitializing, model.WorkerStatusInProgress, true},
		{model.WorkerStatusInProgress, model.WorkerStatusAwaitingReview, true},
		{model.WorkerStatusAwaitingReview, model.WorkerStatusCompleted, true},
		{model.WorkerStatusInProgress, model.WorkerStatusError, true},
		{model.WorkerStatusInProgress, model.WorkerStatusInProgress, true},
		{model.WorkerStatusCompleted, model.WorkerStatusInProgress, false},
		{model.WorkerStatusError, model.WorkerStatusInProgress, false},
		{model.WorkerStatusAbandoned, model.WorkerStatusError, false},
		{model.WorkerStatusPending, model.WorkerStatusCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransitionWorker(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionWorker(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []model.WorkerStatus{model.WorkerStatusCompleted, model.WorkerStatusError, model.WorkerStatusAbandoned} {
		if !IsTerminal(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []model.WorkerStatus{model.WorkerStatusPending, model.WorkerStatusInProgress, model.WorkerStatusAwaitingReview} {
		if IsTerminal(status) {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

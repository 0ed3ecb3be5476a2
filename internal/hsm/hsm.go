package hsm

import "agentfleet/internal/model"

var workerTransitions = map[model.WorkerStatus]map[model.WorkerStatus]bool{
	model.WorkerStatusPending: {
		model.WorkerStatusInitializing: true,
		model.WorkerStatusError:        true,
		model.WorkerStatusAbandoned:    true,
	},
	model.WorkerStatusInitializing: {
		model.WorkerStatusInProgress: true,
		model.WorkerStatusError:      true,
		model.WorkerStatusAbandoned:  true,
	},
	model.WorkerStatusInProgress: {
		model.WorkerStatusAwaitingReview: true,
		model.WorkerStatusError:          true,
		model.WorkerStatusAbandoned:      true,
	},
	model.WorkerStatusAwaitingReview: {
		model.WorkerStatusCompleted: true,
		model.WorkerStatusError:     true,
		model.WorkerStatusAbandoned: true,
	},
}

// CanTransitionWorker reports whether a status change is legal. Terminal
// states admit no outgoing edges, so once a worker is completed, errored, or
// abandoned every further transition is refused.
func CanTransitionWorker(from model.WorkerStatus, to model.WorkerStatus) bool {
	if from == to {
		return true
	}
	return workerTransitions[from][to]
}

func IsTerminal(status model.WorkerStatus) bool {
	switch status {
	case model.WorkerStatusCompleted, model.WorkerStatusError, model.WorkerStatusAbandoned:
		return true
	default:
		return false
	}
}

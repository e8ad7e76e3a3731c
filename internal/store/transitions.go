package store

import "clinicflow/queue-service/internal/models"

// transitionMap lists, per current status, the statuses a token may move to.
// Terminal statuses have no entries.
var transitionMap = map[string][]string{
	models.StatusWaiting: {models.StatusCalled, models.StatusDelayed, models.StatusMissed, models.StatusCancelled},
	models.StatusDelayed: {models.StatusWaiting, models.StatusCalled, models.StatusMissed, models.StatusCancelled},
	models.StatusCalled:  {models.StatusServing, models.StatusWaiting, models.StatusDelayed, models.StatusMissed, models.StatusCancelled},
	models.StatusServing: {models.StatusCompleted, models.StatusCancelled},
	models.StatusMissed:  {models.StatusCancelled},
}

func CanTransition(from, to string) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

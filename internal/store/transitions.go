package store

import "qms/clinic-queue/internal/models"

const (
	ActionCallNext = "call_next"
	ActionRecall   = "recall"
	ActionFinish   = "finish"
)

var transitionMap = map[string][]models.Status{
	ActionCallNext: {models.StatusWaiting},
	ActionRecall:   {models.StatusCalling},
	ActionFinish:   {models.StatusCalling},
}

var transitionTarget = map[string]models.Status{
	ActionCallNext: models.StatusCalling,
	ActionRecall:   models.StatusCalling,
	ActionFinish:   models.StatusFinished,
}

var transitionEvent = map[string]string{
	ActionCallNext: EventTicketCalled,
	ActionRecall:   EventTicketRecalled,
	ActionFinish:   EventTicketFinished,
}

func ValidTransition(action string, fromStatus models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Transition returns the required source status, the target status and the
// audit event type for an action.
func Transition(action string) (from, to models.Status, eventType string, ok bool) {
	allowed, ok := transitionMap[action]
	if !ok || len(allowed) == 0 {
		return "", "", "", false
	}
	return allowed[0], transitionTarget[action], transitionEvent[action], true
}

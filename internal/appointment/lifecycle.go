package appointment

type transitionRule struct {
	actors []Actor
}

var operatorOnly = []Actor{ActorOperator}

// transitions is the complete lifecycle. Anything not listed is illegal.
var transitions = map[AppointmentStatus]map[AppointmentStatus]transitionRule{
	StatusPending: {
		StatusConfirmed: {actors: operatorOnly},
		StatusRejected:  {actors: operatorOnly},
		StatusCancelled: {actors: []Actor{ActorPatient, ActorOperator, ActorCalendar}},
	},
	StatusConfirmed: {
		StatusCancelled: {actors: []Actor{ActorPatient, ActorOperator, ActorCalendar}},
		StatusCompleted: {actors: operatorOnly},
		StatusNoShow:    {actors: operatorOnly},
	},
}

// CanTransition reports whether from -> to appears in the lifecycle,
// regardless of who asks.
func CanTransition(from, to AppointmentStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// AllowedTargets lists the statuses reachable from s.
func AllowedTargets(s AppointmentStatus) []AppointmentStatus {
	var out []AppointmentStatus
	for _, to := range allStatuses {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

func requiresReason(to AppointmentStatus) bool {
	return to == StatusRejected || to == StatusCancelled
}

func checkTransition(from, to AppointmentStatus, actor Actor) error {
	rule, ok := transitions[from][to]
	if !ok {
		return &TransitionError{From: from, To: to}
	}
	for _, a := range rule.actors {
		if a == actor {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Reason: "not permitted for " + string(actor)}
}

package lifecycle

import "github.com/example/ride-tracking/internal/models"

// AllowedTransitions is the ride state graph. Completed and cancelled have
// no outgoing edges.
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideRequested: {models.RideAccepted, models.RideCancelled},
	models.RideAccepted:  {models.RideOngoing, models.RideCancelled},
	models.RideOngoing:   {models.RideCompleted},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

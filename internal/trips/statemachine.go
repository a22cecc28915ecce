package trips

import (
	"fmt"
	"slices"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverTransitions is the driver-driven trip flow after a match.
var DriverTransitions = map[models.TripStatus][]models.TripStatus{
	models.TripMatched:           {models.TripDriverArriving, models.TripCancelledByDriver},
	models.TripDriverArriving:    {models.TripDriverArrived, models.TripCancelledByDriver},
	models.TripDriverArrived:     {models.TripInProgress, models.TripArrivingAtPickup, models.TripCancelledByDriver},
	models.TripArrivingAtPickup:  {models.TripPickedUp, models.TripCancelledByDriver},
	models.TripPickedUp:          {models.TripArrivingAtDropoff, models.TripCancelledByDriver},
	models.TripInProgress:        {models.TripCompleted, models.TripArrivingAtDropoff, models.TripCancelledByDriver},
	models.TripArrivingAtDropoff: {models.TripDelivered, models.TripCancelledByDriver},
	models.TripDelivered:         {models.TripCompleted},
}

func CanTransition(from, to models.TripStatus) bool {
	return slices.Contains(DriverTransitions[from], to)
}

func statusMessage(to models.TripStatus, kind models.JobKind) string {
	switch to {
	case models.TripDriverArriving:
		return "Your driver is on the way"
	case models.TripDriverArrived:
		return "Your driver has arrived"
	case models.TripInProgress:
		return fmt.Sprintf("Your %s is in progress", kind)
	case models.TripArrivingAtPickup:
		return "Driver is arriving at pickup location"
	case models.TripPickedUp:
		return "Order picked up, on the way to you"
	case models.TripArrivingAtDropoff:
		return "Driver is arriving at dropoff"
	case models.TripDelivered:
		return "Your order has been delivered"
	case models.TripCompleted:
		return fmt.Sprintf("Your %s is complete", kind)
	case models.TripCancelledByDriver:
		return fmt.Sprintf("Your driver cancelled this %s", kind)
	}
	return fmt.Sprintf("Status updated to %s", to)
}

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/storage"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("ride not found")
	ErrConflict   = errors.New("ride state conflict")
	ErrForbidden  = errors.New("forbidden")
)

// storeErr maps storage errors onto the lifecycle taxonomy.
func storeErr(rideID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, rideID)
	case errors.Is(err, storage.ErrStaleState):
		return fmt.Errorf("%w: ride %s changed concurrently", ErrConflict, rideID)
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: ride %s already exists", ErrConflict, rideID)
	}
	return fmt.Errorf("ride %s: %w", rideID, err)
}

package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidateTaskUUID checks that id is a task uuid in canonical
// 8-4-4-4-12 form. Task uuids are interpolated into request URLs.
func ValidateTaskUUID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: task uuid is required", ErrInvalidInput)
	}
	if len(id) != 36 {
		return fmt.Errorf("%w: bad task uuid %q", ErrInvalidInput, id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: bad task uuid %q: %v", ErrInvalidInput, id, err)
	}
	return nil
}

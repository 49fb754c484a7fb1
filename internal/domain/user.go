package domain

import (
	"fmt"
	"strings"
	"time"
)

// User is a requester identity a timer may point back to.
type User struct {
	ID          string
	Name        string
	PhoneNumber *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if u.PhoneNumber != nil {
		phone := strings.TrimSpace(*u.PhoneNumber)
		if phone == "" {
			return fmt.Errorf("%w: phoneNumber must not be blank", ErrValidation)
		}
		if len(phone) > 32 {
			return fmt.Errorf("%w: phoneNumber exceeds 32 characters", ErrValidation)
		}
	}
	return nil
}

package accounts

import (
	"net/mail"
	"regexp"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/db/models"
)

// Usernames become operating-system account names.
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

const minPasswordLength = 8

func validateUsername(username string) error {
	if username == "" {
		return apperr.Validation("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return apperr.Validation("username %q must match %s", username, usernamePattern.String())
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.Validation("invalid email %q", email)
	}
	return nil
}

func validateRole(role models.Role) error {
	if !role.Valid() {
		return apperr.Validation("role must be %q or %q", models.RoleAdmin, models.RoleUser)
	}
	return nil
}

package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FieldError represents a single field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RegisterRequest mirrors the fields needed for registration validation.
type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Role     string
}

// ValidateRegisterRequest validates the fields of a register request. Password
// strength is left to the account service so it can answer WEAK_PASSWORD.
func ValidateRegisterRequest(req RegisterRequest) []FieldError {
	var errs []FieldError

	errs = append(errs, validateEmail(req.Email)...)

	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	} else if len(req.Password) > 72 {
		errs = append(errs, FieldError{Field: "password", Message: "password must be at most 72 bytes"})
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	} else if len(name) > 255 {
		errs = append(errs, FieldError{Field: "name", Message: "name must be at most 255 characters"})
	}

	if validate.Var(req.Role, "omitempty,oneof=seeker employer") != nil {
		errs = append(errs, FieldError{Field: "role", Message: "role must be one of: seeker, employer"})
	}

	return errs
}

// ValidateLoginRequest validates a login request. The password is checked by
// the account service.
func ValidateLoginRequest(email string) []FieldError {
	return validateEmail(email)
}

// LineRequest mirrors the fields needed for LINE sign-in validation.
type LineRequest struct {
	IDToken       string
	HasProfile    bool
	ProfileUserID string
}

// ValidateLineRequest validates a LINE sign-in request.
func ValidateLineRequest(req LineRequest) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(req.IDToken) == "" {
		errs = append(errs, FieldError{Field: "idToken", Message: "idToken is required"})
	}
	if req.HasProfile && strings.TrimSpace(req.ProfileUserID) == "" {
		errs = append(errs, FieldError{Field: "profile.userId", Message: "profile.userId is required when profile is sent"})
	}

	return errs
}

// ValidateSessionRequest validates a session redeem request.
func ValidateSessionRequest(sessionToken string) []FieldError {
	if strings.TrimSpace(sessionToken) == "" {
		return []FieldError{{Field: "sessionToken", Message: "sessionToken is required"}}
	}
	return nil
}

func validateEmail(email string) []FieldError {
	email = strings.TrimSpace(email)
	if email == "" {
		return []FieldError{{Field: "email", Message: "email is required"}}
	}
	if len(email) > 254 {
		return []FieldError{{Field: "email", Message: "email must be at most 254 characters"}}
	}
	if validate.Var(email, "email") != nil {
		return []FieldError{{Field: "email", Message: "email must be a valid address"}}
	}
	return nil
}

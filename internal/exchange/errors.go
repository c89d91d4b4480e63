package exchange

import "fmt"

// AuthExchangeError is returned when the backend rejects a platform identity
// assertion.
type AuthExchangeError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("identity exchange failed (%d %s): %s", e.Status, e.Code, e.Message)
}

// RegistrationKind classifies a registration failure.
type RegistrationKind int

const (
	RegistrationServer RegistrationKind = iota
	RegistrationInvalid
	RegistrationDuplicateEmail
	RegistrationWeakPassword
)

func (k RegistrationKind) String() string {
	switch k {
	case RegistrationInvalid:
		return "invalid"
	case RegistrationDuplicateEmail:
		return "duplicate_email"
	case RegistrationWeakPassword:
		return "weak_password"
	default:
		return "server"
	}
}

// RegistrationError is returned when the backend refuses a registration. Kind
// comes from the response's machine code.
type RegistrationError struct {
	Kind    RegistrationKind
	Status  int
	Code    string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed (%s): %s", e.Kind, e.Message)
}

func registrationKind(code string) RegistrationKind {
	switch code {
	case CodeEmailExists:
		return RegistrationDuplicateEmail
	case CodeWeakPassword:
		return RegistrationWeakPassword
	case CodeValidation, CodeInvalidJSON:
		return RegistrationInvalid
	default:
		return RegistrationServer
	}
}

// ForbiddenRoleError is returned when the account's role does not match the
// portal it tried to sign in through.
type ForbiddenRoleError struct {
	Portal  Role
	Message string
}

func (e *ForbiddenRoleError) Error() string {
	return fmt.Sprintf("%s portal: %s", e.Portal, e.Message)
}

// LoginError is returned for any other rejected login.
type LoginError struct {
	Status  int
	Code    string
	Message string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed (%d %s): %s", e.Status, e.Code, e.Message)
}

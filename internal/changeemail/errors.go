package changeemail

// Code identifies a terminal, user-facing outcome of the change-email flow.
type Code string

const (
	CodeInvalidEmail       Code = "invalid_email"
	CodePasswordRequired   Code = "password_required"
	CodeEmailInUse         Code = "email_in_use"
	CodeUserNotFound       Code = "user_not_found"
	CodeAccountInvalid     Code = "account_invalid"
	CodeEmailNotVerified   Code = "email_not_verified"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeInvalidToken       Code = "invalid_token"
	CodeLinkExpired        Code = "link_expired"
)

// FlowError is a business-rule failure. It is terminal for the request and
// carries the message handed to the response presenter. Infrastructure
// failures (store, mail) are returned as plain wrapped errors instead and
// propagate to the upstream error handler.
type FlowError struct {
	Code    Code
	Message string
	Locked  bool // the failed attempt locked the account
	Warning bool // the account will be locked soon
}

func (e *FlowError) Error() string { return e.Message }

func flowErr(code Code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

package session

// Error is a business-rule failure raised by a race handler. Its code
// survives the bridge, so errors.Is matches on the calling process too.
type Error struct {
	code    string
	message string
}

func (e *Error) Error() string     { return e.message }
func (e *Error) ErrorCode() string { return e.code }

var (
	ErrSessionNotFound       = &Error{code: "SessionNotFound", message: "session not found"}
	ErrSessionMemberNotFound = &Error{code: "SessionMemberNotFound", message: "member not found"}

	// ErrSessionAlreadyExists is an id collision on creation. Create
	// retries with a fresh id; it never reaches a user.
	ErrSessionAlreadyExists = &Error{code: "SessionAlreadyExists", message: "session already exists"}
)

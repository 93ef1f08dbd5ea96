package model

// ErrValidation is returned by service methods when the caller supplies invalid
// input. Handlers map it to HTTP 400.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

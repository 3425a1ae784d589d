package generation

import "errors"

// Validation failures. Their text is the handle's error message.
var (
	ErrNoModelLoaded     = errors.New("No model loaded")
	ErrBusy              = errors.New("Generation already in progress")
	ErrEmptyPrompt       = errors.New("Empty prompt")
	ErrNegativeMaxTokens = errors.New("max_tokens must not be negative")
)

// ErrInvalidTransition is returned by Handle methods called in a state that
// does not allow them.
var ErrInvalidTransition = errors.New("generation: invalid handle transition")

// ErrUnknownPromptFormat is wrapped by LookupPromptFormat for unregistered names.
var ErrUnknownPromptFormat = errors.New("unknown prompt format")

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("generation: orchestrator closed")

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyPrompt) || errors.Is(err, ErrNegativeMaxTokens)
}

// IsBusy reports whether err means another generation holds the active slot.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// modelNotFoundError signals an unknown model id or missing model file.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for a model id or path that cannot be resolved.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

package model

import "errors"

// ErrContextWindowExceeded is the distinguished context-window failure:
// compression was exhausted and the request still does not fit the provider's
// token budget. Callers report it differently from generic failures.
var ErrContextWindowExceeded = errors.New("context window limit exceeded")

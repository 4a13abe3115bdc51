package haywatch

import (
	"fmt"
)

// error taxonomy:
// - transport errors (network failures) are plain errors from net/http,
//   rethrown as-is
// - StatusError is a completed call with a non-2xx status
// - GridError is a structurally valid response that itself encodes a
//   failure. the watch subsystem recovers from these by reopening
// - TokenError, AuthenticationError are the token layer's failure kinds
// - BatchSizeError indicates a caller-supplied batcher bug

// GridError carries the original response meta for diagnostics.
type GridError struct {
	Dis  string
	Meta Dict
}

func (self *GridError) Error() string {
	if self.Dis != "" {
		return fmt.Sprintf("grid error: %s", self.Dis)
	}
	return "grid error"
}

// StatusError is a non-2xx response. The body is the error message.
type StatusError struct {
	Status int
	Url    string
	Body   string
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s: %s", self.Status, self.Url, self.Body)
}

// TokenError means a token could not be acquired from the token endpoint.
type TokenError struct {
	Origin  string
	Message string
}

func (self *TokenError) Error() string {
	return fmt.Sprintf("token error for %s: %s", self.Origin, self.Message)
}

// AuthenticationError is terminal: authentication kept failing after
// the configured number of tries.
type AuthenticationError struct {
	Tries int
}

func (self *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed after %d tries", self.Tries)
}

// BatchSizeError means a batcher returned a result array whose length
// does not match the chunk it was given. This is not transient.
type BatchSizeError struct {
	Expected int
	Actual   int
}

func (self *BatchSizeError) Error() string {
	return fmt.Sprintf("batcher returned %d results for %d args", self.Actual, self.Expected)
}

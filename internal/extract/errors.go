package extract

import "fmt"

// ServiceError reports a failed call to the model service: transport failure,
// rejected request or an unusable response envelope.
type ServiceError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

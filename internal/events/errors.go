package events

import "fmt"

// ValidationError reports a beacon that cannot be normalized. Callers answer it with a 4xx.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

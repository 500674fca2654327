package utils

import "fmt"

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

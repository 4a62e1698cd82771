package types

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// GenerateRequestID generates a unique request ID with prefix
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", ksuid.New().String())
}

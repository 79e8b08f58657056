package obs

import (
	"strings"

	"github.com/google/uuid"
)

// NewCorrelationID returns an id tracing one effect round trip across loop, broker and executor.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewInstanceID returns a process-unique identity such as an executor id.
func NewInstanceID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

package domain

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for lease tokens and deployment records.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseInt64ID parses a numeric pipeline or job identifier from a path
// segment or CLI argument.
func ParseInt64ID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrValidation("invalid id %q", s)
	}
	return id, nil
}

// PipelineLeaseKey returns the lease name guarding processing of a pipeline.
func PipelineLeaseKey(pipelineID int64) string {
	return fmt.Sprintf("pipeline-processing:%d", pipelineID)
}

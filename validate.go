package taskqueue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyJobType     = errors.New("taskqueue: job type must not be empty")
	ErrInvalidJobID     = errors.New("taskqueue: job ID must be positive")
	ErrEmptyGroup       = errors.New("taskqueue: group must not be empty")
	ErrNoCapabilities   = errors.New("taskqueue: capabilities must not be empty")
	ErrInvalidPolicy    = errors.New("taskqueue: policy values must not be negative")
	ErrInvalidNotBefore = errors.New("taskqueue: invalid not-before expression")
	ErrJobNotFound      = errors.New("taskqueue: job not found")
	ErrJobNotInProgress = errors.New("taskqueue: job not in progress")
)

func ValidateJobType(jobType string) error {
	if strings.TrimSpace(jobType) == "" {
		return ErrEmptyJobType
	}
	return nil
}

func ValidateJobID(id int64) error {
	if id <= 0 {
		return ErrInvalidJobID
	}
	return nil
}

func ValidateGroup(group string) error {
	if strings.TrimSpace(group) == "" {
		return ErrEmptyGroup
	}
	return nil
}

func ValidateCapabilities(caps Capabilities) error {
	if len(caps) == 0 {
		return ErrNoCapabilities
	}
	for jobType, p := range caps {
		if err := ValidateJobType(jobType); err != nil {
			return err
		}
		if p.Timeout < 0 || p.Retries < 0 || p.Rate < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPolicy, jobType)
		}
	}
	return nil
}

// ResolveCreateOptions applies opts and returns the result.
func ResolveCreateOptions(opts []CreateOption) CreateOptions {
	return applyCreateOptions(opts)
}

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrReferenceExhausted = errors.New("could not allocate a unique reference")

const maxReferenceAttempts = 5

type ReferenceChecker interface {
	ReferenceExists(ctx context.Context, reference string) (bool, error)
}

// ReferenceAllocator issues references of the form
// <prefix><yyyymmddHHMMSS><8 upper hex>, checked for uniqueness before use.
type ReferenceAllocator struct {
	checker ReferenceChecker
	prefix  string
	now     func() time.Time
	suffix  func() string
}

func NewReferenceAllocator(checker ReferenceChecker, prefix string) *ReferenceAllocator {
	if prefix == "" {
		prefix = "TXN"
	}
	return &ReferenceAllocator{
		checker: checker,
		prefix:  prefix,
		now:     time.Now,
		suffix:  randomSuffix,
	}
}

func (a *ReferenceAllocator) Next(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		candidate := a.prefix + a.now().UTC().Format("20060102150405") + a.suffix()
		exists, err := a.checker.ReferenceExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrReferenceExhausted
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

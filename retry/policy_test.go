package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 5}
	attempts := 0
	err := p.Do(context.Background(), nil, func(error) bool { return true }, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := Policy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 5}
	attempts := 0
	fatal := errors.New("fatal")
	err := p.Do(context.Background(), nil, func(error) bool { return false }, func(context.Context) error {
		attempts++
		return fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRespectsMaxAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3}
	attempts := 0
	err := p.Do(context.Background(), nil, func(error) bool { return true }, func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoRespectsDeadline(t *testing.T) {
	p := Policy{Base: 5 * time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, Deadline: 20 * time.Millisecond}
	err := p.Do(context.Background(), nil, func(error) bool { return true }, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	assert.Error(t, err)
}

package purchasing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/procurement-engine/purchasing"
)

func TestCodeOf(t *testing.T) {
	failed := purchasing.ValidationResult{Errors: []purchasing.ValidationError{{Code: purchasing.CodeOverReceiving}}}

	tests := []struct {
		name string
		err  error
		want purchasing.Code
	}{
		{"nil", nil, ""},
		{"coded wins", purchasing.WithCode(purchasing.CodeNetworkError, purchasing.ErrStorage), purchasing.CodeNetworkError},
		{"validation failure", fmt.Errorf("receive: %w", &purchasing.ValidationFailedError{Result: failed}), purchasing.CodeOverReceiving},
		{"bare validation error", purchasing.ValidationError{Code: purchasing.CodeExpiredProduct}, purchasing.CodeExpiredProduct},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), purchasing.CodeTimeoutError},
		{"stale", &purchasing.StaleReceiptError{OrderID: "po-1", ProductID: "p1"}, purchasing.CodeConcurrentModification},
		{"unbalanced", &purchasing.UnbalancedEntryError{EntryID: "e"}, purchasing.CodeUnbalancedEntry},
		{"rollback", fmt.Errorf("%w: x", purchasing.ErrRollbackFailed), purchasing.CodeRollbackFailed},
		{"storage", fmt.Errorf("%w: x", purchasing.ErrStorage), purchasing.CodeDatabaseError},
		{"scheduler", purchasing.ErrScheduler, purchasing.CodeConnectionError},
		{"not found", purchasing.ErrNotFound, purchasing.CodeProductNotFound},
		{"other", errors.New("?"), purchasing.CodeUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, purchasing.CodeOf(tt.err))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, purchasing.IsRetryable(&purchasing.StaleReceiptError{}))
	assert.True(t, purchasing.IsRetryable(fmt.Errorf("%w: x", purchasing.ErrStorage)))
	assert.False(t, purchasing.IsRetryable(&purchasing.UnbalancedEntryError{}))
	assert.False(t, purchasing.IsRetryable(fmt.Errorf("%w: %w", purchasing.ErrRollbackFailed, purchasing.ErrStorage)))

	assert.True(t, purchasing.IsClientError(&purchasing.ValidationFailedError{}))
	assert.True(t, purchasing.IsNotFound(fmt.Errorf("order: %w", purchasing.ErrNotFound)))
	assert.False(t, purchasing.IsNotFound(purchasing.ErrStorage))
}

package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error is internal", err: errors.New("boom"), want: EINTERNAL},
		{name: "invalid", err: Invalid("op", "bad"), want: EINVALID},
		{name: "wrapped mismatch", err: fmt.Errorf("outer: %w", AmountMismatch("op", "0.05", "0.04")), want: EMISMATCH},
		{name: "validation error", err: NewValidationError("op", "count", "must be positive"), want: EINVALID},
		{name: "unavailable", err: Unavailable(errors.New("down"), "op", "store down"), want: EUNAVAILABLE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestErrorMessage_HidesInternalDetails(t *testing.T) {
	err := Unavailable(errors.New("dial tcp 10.0.0.5:5432: connection refused"), "ledger.credit", "store unavailable")
	assert.Equal(t, "An internal error occurred. Please try again later.", ErrorMessage(err))

	err = Invalid("payment.process", "count must be positive")
	assert.Equal(t, "count must be positive", ErrorMessage(err))
}

func TestConflict_Unwraps(t *testing.T) {
	err := Conflict(ErrAlreadyApplied, "ledger.credit", "already applied")
	assert.True(t, errors.Is(err, ErrAlreadyApplied))
	assert.Equal(t, ECONFLICT, ErrorCode(err))
}

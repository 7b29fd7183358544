package ledger

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsSingleRunViolation(t *testing.T) {
	violation := &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "idx_run_ledger_single_running",
	}
	assert.True(t, isSingleRunViolation(violation))
	assert.True(t, isSingleRunViolation(fmt.Errorf("insert ledger row: %w", violation)))

	// A colliding run key is a different failure, not the busy signal.
	assert.False(t, isSingleRunViolation(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "run_ledger_unique_key_key",
	}))
	assert.False(t, isSingleRunViolation(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isSingleRunViolation(fmt.Errorf("plain error")))
	assert.False(t, isSingleRunViolation(nil))
}

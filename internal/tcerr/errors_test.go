package tcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfMatchesDirectError(t *testing.T) {
	err := New(QuotaExceeded, "too many sessions for %s", "client-1")
	assert.Equal(t, QuotaExceeded, KindOf(err))
	assert.Equal(t, "too many sessions for client-1", err.Error())
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := New(NotFound, "no such session")
	wrapped := fmt.Errorf("lookup failed: %w", inner)
	assert.Equal(t, NotFound, KindOf(wrapped))
}

func TestKindOfReturnsEmptyForForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := DuplicateIDError("abc")

	assert.True(t, stderrors.Is(err, ErrDuplicateID))
	assert.False(t, stderrors.Is(err, ErrNotFound))
}

func TestIs_ThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("append failed: %w", DuplicateIDError("abc"))

	assert.True(t, stderrors.Is(err, ErrDuplicateID))
	assert.Equal(t, ErrCodeDuplicateID, CodeOf(err))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("tag mismatch")
	err := IntegrityFailedError(cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, ErrIntegrityFailed))
	assert.Contains(t, err.Error(), "tag mismatch")
}

func TestGetAppError(t *testing.T) {
	appErr := GetAppError(InvalidKeyFormatError(nil))
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)

	plain := GetAppError(stderrors.New("boom"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
	assert.Equal(t, http.StatusInternalServerError, plain.StatusCode)
}

func TestCodeOf_NonAppError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("x")))
	assert.False(t, IsAppError(stderrors.New("x")))
	assert.True(t, IsAppError(QueueFullError("p1")))
}

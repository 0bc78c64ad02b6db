package production

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(CodeScheduleConflict, "tank FV1 is booked"))
	assert.True(t, errors.Is(err, ErrScheduleConflict))
	assert.False(t, errors.Is(err, ErrTankUnavailable))
	assert.Equal(t, CodeScheduleConflict, CodeOf(err))
	assert.Equal(t, "wrapped: tank FV1 is booked", err.Error())
}

func TestCodeOfUnexpectedError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("disk full")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(""))
	for _, code := range []ErrorCode{
		CodeTankUnavailable, CodeScheduleConflict, CodeIncompatiblePhase,
		CodeInvalidSplit, CodeInvalidStatusTransition, CodeInvalidArgument,
	} {
		assert.Equal(t, http.StatusBadRequest, HTTPStatus(code), code)
	}
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcomeLabel(nil))
	assert.Equal(t, string(CodeNotFound), outcomeLabel(notFound("tank", "x")))
	assert.Equal(t, "internal", outcomeLabel(errors.New("boom")))
}

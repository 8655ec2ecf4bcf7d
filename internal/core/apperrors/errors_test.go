package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"validation", Validation("length", "length must be greater than 0"), ErrValidation, http.StatusBadRequest},
		{"not found", NotFound("job", "abc"), ErrNotFound, http.StatusNotFound},
		{"conflict", Conflict("job", "abc", "status changed"), ErrConflict, http.StatusConflict},
		{"launch", Launch("runtime.create", errors.New("no such image")), ErrLaunch, http.StatusInternalServerError},
		{"timeout", Timeout(3), ErrTimeout, http.StatusInternalServerError},
		{"internal", Internal("registry.get", errors.New("conn refused")), ErrInternal, http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("submit: %w", NotFound("job", "x")), ErrNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "job abc not found", NotFound("job", "abc").Error())
	assert.Equal(t, "launch error: no such image", Launch("create", errors.New("no such image")).Error())
	assert.Equal(t, "timeout: exceeded 1s", Timeout(1).Error())
	assert.Equal(t, "length", FieldOf(Validation("length", "bad")))
	assert.Empty(t, FieldOf(errors.New("plain")))
}

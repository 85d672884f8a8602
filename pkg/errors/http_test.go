package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHTTP_Body(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteHTTP(rec, New(CodeMissingHeader, "Missing Authorization header.").WithLoc("header", "Authorization"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"header", "Authorization"}, body.Detail.Loc)
	assert.Equal(t, "Missing Authorization header.", body.Detail.Msg)
	assert.Equal(t, "MissingHeader", body.Detail.Type)
}

func TestToBody_EngineFaultIncludesCause(t *testing.T) {
	t.Parallel()
	body := ToBody(Wrap(errors.New("connection refused"), CodePolicyEngineFault, "Unhandled engine error"))
	assert.Equal(t, "Unhandled engine error: connection refused", body.Detail.Msg)
	assert.Equal(t, "PolicyEngineFault", body.Detail.Type)
}

func TestToBody_PlainErrorIsOpaque(t *testing.T) {
	t.Parallel()
	body := ToBody(errors.New("secret internals"))
	assert.Equal(t, "an unexpected error occurred", body.Detail.Msg)
	assert.Equal(t, "InternalError", body.Detail.Type)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("x")))
}

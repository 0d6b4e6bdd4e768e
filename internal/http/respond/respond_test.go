package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, CodeSlotUnavailable, "slot already taken")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorBody{Error: "slot already taken", Code: CodeSlotUnavailable}, body)
}

func TestDecode(t *testing.T) {
	type payload struct {
		Enabled bool `json:"enabled"`
	}

	var p payload
	req := httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"enabled":true}`))
	require.NoError(t, Decode(req, &p))
	assert.True(t, p.Enabled)

	req = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"enabled":true,"extra":1}`))
	assert.Error(t, Decode(req, &p))

	req = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(""))
	assert.NoError(t, Decode(req, &p))
}

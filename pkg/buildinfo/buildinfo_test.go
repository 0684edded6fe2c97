package buildinfo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get("transcription-service")
	assert.Equal(t, "transcription-service", info.ServiceName)
	assert.Equal(t, Version, info.Version)
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Empty(t, info.Uptime)
}

func TestString(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	defer func() { Version, Commit, BuildTime = oldV, oldC, oldB }()

	Version, Commit, BuildTime = "v0.3.0", "4f1c2d9", "2026-02-07T10:30:00Z"
	assert.Equal(t, "v0.3.0 (4f1c2d9, 2026-02-07T10:30:00Z)", String())
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler("transcription-service", time.Now().Add(-90*time.Second))(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var info Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "transcription-service", info.ServiceName)
	assert.NotEmpty(t, info.Uptime)
}

func TestHandler_ZeroStart(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler("svc", time.Time{})(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	_, hasUptime := decoded["uptime"]
	assert.False(t, hasUptime)
}

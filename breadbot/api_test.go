package breadbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testAPISecret = "test-api-secret"

func newTestAPI(t testing.TB) (*API, *BreadBot) {
	t.Helper()
	bot, _ := newTestBot(t)
	bot.config.API.Secret = testAPISecret
	api, err := newAPI(bot, bot.config.API)
	require.NoError(t, err)
	bot.api = api
	return api, bot
}

func doRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	authorized bool,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPISecret)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, Version, status.Version)
	assert.False(t, status.RenameInProgress)
}

func TestAPI_Unauthorized(t *testing.T) {
	api, _ := newTestAPI(t)

	for _, path := range []string{
		apiPrefix + apiPathNames,
		apiPrefix + "/names/1",
		apiPrefix + apiPathRuns,
	} {
		w := doRequest(t, api, http.MethodGet, path, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathNames, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Names(t *testing.T) {
	api, bot := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, bot.writeDB.Upsert(ctx, 1, "Breadix"))
	require.NoError(t, bot.writeDB.Upsert(ctx, 2, "AlbyDough"))

	w := doRequest(t, api, http.MethodGet, apiPrefix+apiPathNames, true)
	require.Equal(t, http.StatusOK, w.Code)
	var records []NameRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "Breadix", records[0].GeneratedName)

	w = doRequest(t, api, http.MethodGet, apiPrefix+apiPathNames+"?limit=1&offset=1", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].MemberID)

	w = doRequest(t, api, http.MethodGet, apiPrefix+apiPathNames+"?limit=5000", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, api, http.MethodGet, apiPrefix+"/names/1", true)
	require.Equal(t, http.StatusOK, w.Code)
	var record NameRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, "Breadix", record.GeneratedName)

	w = doRequest(t, api, http.MethodGet, apiPrefix+"/names/42", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, api, http.MethodGet, apiPrefix+"/names/bread", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, api, http.MethodDelete, apiPrefix+"/names/1", true)
	require.Equal(t, http.StatusOK, w.Code)
	var reply httpReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "deleted", reply.Message)

	_, err := bot.writeDB.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNameNotFound)

	w = doRequest(t, api, http.MethodDelete, apiPrefix+"/names/1", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Runs(t *testing.T) {
	api, bot := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bot.writeDB.Create(
			ctx,
			&RenameRun{
				BatchID: fmt.Sprintf("batch_%d", i),
				State:   RenameRunStateCompleted,
				Applied: i,
			},
		)
		require.NoError(t, err)
	}

	w := doRequest(t, api, http.MethodGet, apiPrefix+apiPathRuns+"?limit=2", true)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []RenameRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "batch_2", runs[0].BatchID)
	assert.Equal(t, "batch_1", runs[1].BatchID)
}

func TestAPI_CORS(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.config.API.Secret = testAPISecret
	bot.config.API.CORS.AllowOrigins = []string{"https://bread.example"}
	api, err := newAPI(bot, bot.config.API)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, apiPrefix+apiPathNames, nil)
	req.Header.Set("Origin", "https://bread.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, "https://bread.example", w.Header().Get("Access-Control-Allow-Origin"))
}

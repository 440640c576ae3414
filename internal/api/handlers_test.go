package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/selfencrypt/internal/obsmetrics"
	"github.com/kenneth/selfencrypt/selfencrypt/store"
)

func newTestHandler(t *testing.T) (*Handler, *mux.Router) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := NewHandler(store.NewMemoryStore(), nil, NewDirectory(), nil, logger, obsmetrics.NewMetricsWithRegistry(prometheus.NewRegistry()), nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestPutGetRoundTrip(t *testing.T) {
	_, router := newTestHandler(t)
	payload := bytes.Repeat([]byte("self-encryption engine test data "), 200)

	putReq := httptest.NewRequest(http.MethodPut, "/mybucket/mykey", bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/mybucket/mykey", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Equal(t, payload, getRec.Body.Bytes())
}

func TestGetRangeRequest(t *testing.T) {
	_, router := newTestHandler(t)
	payload := bytes.Repeat([]byte("0123456789"), 500)

	putReq := httptest.NewRequest(http.MethodPut, "/mybucket/range-key", bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/mybucket/range-key", nil)
	getReq.Header.Set("Range", "bytes=10-19")
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusPartialContent, getRec.Code)
	require.Equal(t, payload[10:20], getRec.Body.Bytes())
}

func TestGetMissingObject(t *testing.T) {
	_, router := newTestHandler(t)
	getReq := httptest.NewRequest(http.MethodGet, "/mybucket/missing", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestDeleteThenGetReturnsNotFound(t *testing.T) {
	_, router := newTestHandler(t)
	payload := []byte("short payload")

	putReq := httptest.NewRequest(http.MethodPut, "/mybucket/del-key", bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/mybucket/del-key", nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/mybucket/del-key", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestHeadObjectReportsSize(t *testing.T) {
	_, router := newTestHandler(t)
	payload := bytes.Repeat([]byte("x"), 4096)

	putReq := httptest.NewRequest(http.MethodPut, "/mybucket/head-key", bytes.NewReader(payload))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	headReq := httptest.NewRequest(http.MethodHead, "/mybucket/head-key", nil)
	headRec := httptest.NewRecorder()
	router.ServeHTTP(headRec, headReq)
	require.Equal(t, http.StatusOK, headRec.Code)
	require.Equal(t, "4096", headRec.Header().Get("Content-Length"))
}

func TestListObjectsReturnsKeys(t *testing.T) {
	_, router := newTestHandler(t)
	for _, key := range []string{"a.txt", "b.txt"} {
		req := httptest.NewRequest(http.MethodPut, "/listbucket/"+key, bytes.NewReader([]byte("data")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/listbucket", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Contains(t, listRec.Body.String(), "a.txt")
	require.Contains(t, listRec.Body.String(), "b.txt")
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Snshadow/update-server-server-sync/pkg/deploy"
	"github.com/Snshadow/update-server-server-sync/pkg/engine"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
	"github.com/Snshadow/update-server-server-sync/pkg/sync"
)

func addPkg(t *testing.T, s *dirstore.Store, guid uuid.UUID) identity.Index {
	t.Helper()
	idx, err := s.AddPackage(context.Background(), &model.Package{
		Identity: identity.ID{GUID: guid, Revision: 1},
		Payload:  model.PayloadProductCategory,
		RawXML: []byte(`<Update>
  <UpdateIdentity UpdateID="` + guid.String() + `" RevisionNumber="1"></UpdateIdentity>
</Update>`),
	})
	require.NoError(t, err)
	return idx
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)
	addPkg(t, s, uuid.New())

	e := engine.New()
	require.NoError(t, e.Attach(ctx, s))

	d, err := deploy.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	machine := sync.New(e, d)
	return New(Config{Machine: machine, Backend: s})
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	srv := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleReadyz_FailsAfterShutdown(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	srv.Shutdown()

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleConfig_ReturnsConstants(t *testing.T) {
	srv := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/config", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var cfg configResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	require.Equal(t, sync.MaxUpdatesInResponse, cfg.MaxUpdatesInResponse)
}

func TestHandleSync_EmptyClientReturnsUpdateAndCookie(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(syncRequestBody{ComputerID: "COMPUTER-1"})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body))
	srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Header().Get(cookieHeader))

	var info sync.SyncInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	require.Len(t, info.NewUpdates, 1)
}

func TestHandleSync_MissingComputerIDFails(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader([]byte(`{}`)))
	srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSync_MalformedBodyFails(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader([]byte(`not json`)))
	srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

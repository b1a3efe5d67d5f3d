package dav

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/maneesh/drivebridge/internal/bridge"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/quota"
	"github.com/maneesh/drivebridge/internal/session"
	"github.com/maneesh/drivebridge/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	router    *mux.Router
	repo      *storagetest.FakeRepo
	blobs     *storagetest.FakeBlob
	ephemeral *storagetest.FakeEphemeral
	queue     *storagetest.FakeQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := storagetest.NewFakeRepo()
	blobs := storagetest.NewFakeBlob()
	ephemeral := storagetest.NewFakeEphemeral()
	queue := storagetest.NewFakeQueue()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	repo.Creds["alice"] = &models.Credential{ID: 7, OwnerID: 1, Username: "alice", PasswordHash: string(hash)}

	enforcer := quota.NewEnforcer(repo, queue)
	coord := bridge.NewCoordinator(repo, blobs, ephemeral, queue, enforcer, bridge.Options{
		PresignThresholdBytes:   1 << 20,
		ResumableThresholdBytes: 1 << 20,
	})
	sessions := session.NewManager(repo, 0, 0)

	router := mux.NewRouter()
	NewHandler(coord, repo, sessions).Register(router)
	return &testServer{router: router, repo: repo, blobs: blobs, ephemeral: ephemeral, queue: queue}
}

func (s *testServer) do(method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.SetBasicAuth("alice", "secret")
	req.Header.Set("User-Agent", "davclient/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/dav/doc.txt", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest("GET", "/dav/doc.txt", nil)
	req.SetBasicAuth("alice", "wrong")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRejectsRevokedCredential(t *testing.T) {
	s := newTestServer(t)
	s.repo.Creds["alice"].Revoked = true

	rr := s.do("GET", "/dav/doc.txt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("PUT", "/dav/docs/report.txt", "hello dav", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("ETag"))
	assert.Equal(t, "/dav/docs/report.txt", rr.Header().Get("Location"))

	rr = s.do("GET", "/dav/docs/report.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello dav", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
}

func TestPutOverwritesExisting(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("PUT", "/dav/doc.txt", "version one", nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do("PUT", "/dav/doc.txt", "version two", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/dav/doc.txt", rr.Header().Get("Location"))

	rr = s.do("GET", "/dav/doc.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "version two", rr.Body.String())

	// No sibling appeared.
	rr = s.do("PROPFIND", "/dav/", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.NotContains(t, rr.Body.String(), "doc (1).txt")
}

func TestPutEmptyFile(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("PUT", "/dav/empty.txt", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do("GET", "/dav/empty.txt", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestGetMissingFile(t *testing.T) {
	s := newTestServer(t)
	rr := s.do("GET", "/dav/nope.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPutIntoTrashForbidden(t *testing.T) {
	s := newTestServer(t)
	rr := s.do("PUT", "/dav/.Trash/x.txt", "x", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestQuotaExceededStatus(t *testing.T) {
	s := newTestServer(t)
	s.repo.DefaultLimit = 3

	rr := s.do("PUT", "/dav/big.txt", "too big", nil)
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
}

func TestDeleteMovesToTrash(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/doc.txt", "bytes", nil)

	rr := s.do("DELETE", "/dav/doc.txt", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do("GET", "/dav/doc.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do("PROPFIND", "/dav/.Trash", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "doc.txt")
}

func TestPropfindRootListsVirtualFolders(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/doc.txt", "bytes", nil)

	rr := s.do("PROPFIND", "/dav/", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, ".Trash")
	assert.Contains(t, body, ".Tags")
	assert.Contains(t, body, "doc.txt")
	assert.Contains(t, body, "quota-used-bytes")
}

func TestPropfindDepthZero(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/doc.txt", "bytes", nil)

	rr := s.do("PROPFIND", "/dav/", "", map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.NotContains(t, rr.Body.String(), "doc.txt")
}

func TestMkcolAndConflict(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("MKCOL", "/dav/docs", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do("MKCOL", "/dav/docs", "", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMoveRename(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/old.txt", "bytes", nil)

	rr := s.do("MOVE", "/dav/old.txt", "", map[string]string{"Destination": "/dav/new.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/dav/new.txt", rr.Header().Get("Location"))

	assert.Equal(t, http.StatusNotFound, s.do("GET", "/dav/old.txt", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do("GET", "/dav/new.txt", "", nil).Code)
}

func TestMoveCollisionReportsFinalName(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/a/x.txt", "a", nil)
	s.do("PUT", "/dav/b/x.txt", "b", nil)

	rr := s.do("MOVE", "/dav/a/x.txt", "", map[string]string{"Destination": "/dav/b/x.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)
	// The escaped URL carries the server-chosen numbered variant.
	assert.Equal(t, "/dav/b/x%20(1).txt", rr.Header().Get("Location"))
}

func TestMoveOutOfTrashRestores(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/doc.txt", "bytes", nil)
	s.do("DELETE", "/dav/doc.txt", "", nil)

	rr := s.do("MOVE", "/dav/.Trash/doc.txt", "", map[string]string{"Destination": "/dav/doc.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, http.StatusOK, s.do("GET", "/dav/doc.txt", "", nil).Code)
}

func TestCopy(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/doc.txt", "bytes", nil)

	rr := s.do("COPY", "/dav/doc.txt", "", map[string]string{"Destination": "/dav/copy.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "bytes", s.do("GET", "/dav/copy.txt", "", nil).Body.String())
}

func TestProppatchTags(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/photo.jpg", "img", nil)

	body := `<?xml version="1.0"?>
<D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:drivebridge:props">
  <D:set><D:prop><Z:tag>vacation</Z:tag></D:prop></D:set>
</D:propertyupdate>`
	rr := s.do("PROPPATCH", "/dav/photo.jpg", body, nil)
	require.Equal(t, http.StatusMultiStatus, rr.Code)

	rr = s.do("PROPFIND", "/dav/.Tags", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "vacation")

	rr = s.do("PROPFIND", "/dav/.Tags/vacation", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	assert.Contains(t, rr.Body.String(), "photo.jpg")
}

func TestDeleteInsideTagViewUnbindsOnly(t *testing.T) {
	s := newTestServer(t)
	s.do("PUT", "/dav/photo.jpg", "img", nil)
	body := `<?xml version="1.0"?>
<D:propertyupdate xmlns:D="DAV:" xmlns:Z="urn:drivebridge:props">
  <D:set><D:prop><Z:tag>vacation</Z:tag></D:prop></D:set>
</D:propertyupdate>`
	s.do("PROPPATCH", "/dav/photo.jpg", body, nil)

	rr := s.do("DELETE", "/dav/.Tags/vacation/photo.jpg", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	// The file survives; only the binding is gone.
	assert.Equal(t, http.StatusOK, s.do("GET", "/dav/photo.jpg", "", nil).Code)
}

func TestResumableUploadFlow(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("PUT", "/dav/big.bin", "", map[string]string{
		headerUploadBegin:    "true",
		headerDeclaredLength: "10",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	uploadID := rr.Header().Get(headerUploadID)
	require.NotEmpty(t, uploadID)

	rr = s.do("PUT", "/dav/big.bin", "01234", map[string]string{headerUploadID: uploadID})
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "5", rr.Header().Get(headerUploadReceived))

	rr = s.do("PUT", "/dav/big.bin", "56789", map[string]string{headerUploadID: uploadID})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = s.do("PUT", "/dav/big.bin", "", map[string]string{
		headerUploadID:       uploadID,
		headerUploadComplete: "true",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	assert.Equal(t, "0123456789", s.do("GET", "/dav/big.bin", "", nil).Body.String())
}

func TestResumableExpiredIsGone(t *testing.T) {
	s := newTestServer(t)

	rr := s.do("PUT", "/dav/big.bin", "", map[string]string{
		headerUploadBegin:    "true",
		headerDeclaredLength: "10",
	})
	uploadID := rr.Header().Get(headerUploadID)
	s.ephemeral.Expire(1, uploadID)

	rr = s.do("PUT", "/dav/big.bin", "01234", map[string]string{headerUploadID: uploadID})
	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestEphemeralDownFailsClosed(t *testing.T) {
	s := newTestServer(t)
	s.ephemeral.Unavailable = true

	rr := s.do("PUT", "/dav/big.bin", "", map[string]string{
		headerUploadBegin:    "true",
		headerDeclaredLength: "10",
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestSessionCeilingSurfacesAs503(t *testing.T) {
	s := newTestServer(t)

	// Five distinct clients occupy the ceiling; the sixth is refused.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/dav/", nil)
		req.SetBasicAuth("alice", "secret")
		req.Header.Set("User-Agent", "client-"+string(rune('a'+i)))
		req.Header.Set("Depth", "0")
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		require.NotEqual(t, http.StatusServiceUnavailable, rr.Code)
	}

	req := httptest.NewRequest("GET", "/dav/", nil)
	req.SetBasicAuth("alice", "secret")
	req.Header.Set("User-Agent", "client-f")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRepeatClientReusesSession(t *testing.T) {
	s := newTestServer(t)

	s.do("PROPFIND", "/dav/", "", map[string]string{"Depth": "0"})
	s.do("PROPFIND", "/dav/", "", map[string]string{"Depth": "0"})
	assert.Len(t, s.repo.Sessions, 1)
}

func TestOptionsAdvertisesDav(t *testing.T) {
	s := newTestServer(t)
	rr := s.do("OPTIONS", "/dav/", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1, 2", rr.Header().Get("DAV"))
	assert.Contains(t, rr.Header().Get("Allow"), "PROPFIND")
}

package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/modules/credstore"
	"github.com/guarzo/civictrack/modules/session"
)

const baseURL = "http://civic.test/api/v1"

type recordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// mockHttpClient answers from a handler and records every request.
type mockHttpClient struct {
	mu       sync.Mutex
	handler  func(r recordedRequest) (*http.Response, error)
	requests []recordedRequest
}

func (m *mockHttpClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	rec := recordedRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone(), Body: body}
	m.mu.Lock()
	m.requests = append(m.requests, rec)
	m.mu.Unlock()
	return m.handler(rec)
}
func (m *mockHttpClient) CloseIdleConnections() {}
func (m *mockHttpClient) RetryWithExponentialBackoff(_ context.Context, op func() (interface{}, error)) (interface{}, error) {
	return op()
}
func (m *mockHttpClient) SetRandAndSleepForTest(func(d time.Duration), int64) {}

func (m *mockHttpClient) count(method, url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.URL == url {
			n++
		}
	}
	return n
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newStore(t *testing.T, kv map[string]string) common.CredentialStore {
	t.Helper()
	store := credstore.NewMemoryStore()
	for k, v := range kv {
		require.NoError(t, store.Set(context.Background(), k, v))
	}
	return store
}

func stored(t *testing.T, store common.CredentialStore, key string) (string, bool) {
	t.Helper()
	v, found, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return v, found
}

const (
	issuesURL  = baseURL + "/reports/issues/"
	refreshURL = baseURL + "/token/refresh/"
)

func TestDo_AttachesBearerAndReturnsBody(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"id":1,"title":"Pothole"}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "validtoken"})
	client := session.New(baseURL, mockHTTP, store)

	resp, err := client.Do(context.Background(), session.Request{Method: http.MethodGet, Path: "/reports/issues/"})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"id": float64(1), "title": "Pothole"}, resp.Value)
	require.Len(t, mockHTTP.requests, 1)
	assert.Equal(t, issuesURL, mockHTTP.requests[0].URL)
	assert.Equal(t, "Bearer validtoken", mockHTTP.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", mockHTTP.requests[0].Header.Get("Content-Type"))
}

func TestDo_RefreshThenSucceed(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		switch r.URL {
		case refreshURL:
			var body map[string]string
			if err := json.Unmarshal(r.Body, &body); err != nil || body["refresh"] != "goodrefresh" {
				return jsonResponse(http.StatusBadRequest, `{}`), nil
			}
			return jsonResponse(http.StatusOK, `{"access":"newtoken"}`), nil
		case issuesURL:
			if r.Header.Get("Authorization") == "Bearer newtoken" {
				return jsonResponse(http.StatusOK, `[]`), nil
			}
			return jsonResponse(http.StatusUnauthorized, `{"detail":"token_not_valid"}`), nil
		}
		return jsonResponse(http.StatusNotFound, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "expired", common.RefreshKey: "goodrefresh"})
	client := session.New(baseURL, mockHTTP, store)

	resp, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{}, resp.Value)
	assert.Equal(t, 1, mockHTTP.count(http.MethodPost, refreshURL), "exactly one refresh")
	assert.Equal(t, 2, mockHTTP.count(http.MethodGet, issuesURL), "original plus one retry")

	access, _ := stored(t, store, common.AccessKey)
	assert.Equal(t, "newtoken", access)
	refresh, _ := stored(t, store, common.RefreshKey)
	assert.Equal(t, "goodrefresh", refresh)
}

func TestDo_RefreshFails_ClearsSession(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"detail":"Token is invalid or expired"}`), nil
	}}
	store := newStore(t, map[string]string{
		common.AccessKey:   "expired",
		common.RefreshKey:  "badrefresh",
		common.UsernameKey: "ana",
	})
	expiredCalls := 0
	client := session.New(baseURL, mockHTTP, store,
		session.WithSessionExpiredHandler(func(context.Context) { expiredCalls++ }))

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSessionExpired))

	assert.Equal(t, 1, mockHTTP.count(http.MethodPost, refreshURL), "no second refresh attempt")
	assert.Equal(t, 1, mockHTTP.count(http.MethodGet, issuesURL), "no retry after failed refresh")
	for _, k := range common.SessionKeys {
		_, found := stored(t, store, k)
		assert.False(t, found, "key %s should be cleared", k)
	}
	assert.Equal(t, 1, expiredCalls)
}

func TestDo_UnauthorizedWithoutRefreshToken(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"detail":"Authentication credentials were not provided."}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "stale"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	assert.ErrorIs(t, err, common.ErrSessionExpired)
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
	_, found := stored(t, store, common.AccessKey)
	assert.False(t, found)
}

func TestDo_RetryUnauthorizedAgain(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == refreshURL {
			return jsonResponse(http.StatusOK, `{"access":"stillbad"}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	assert.ErrorIs(t, err, common.ErrSessionExpired)
	assert.Equal(t, 1, mockHTTP.count(http.MethodPost, refreshURL))
	assert.Equal(t, 2, mockHTTP.count(http.MethodGet, issuesURL))
	_, found := stored(t, store, common.RefreshKey)
	assert.False(t, found)
}

func TestDo_RefreshWithoutAccessField(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == refreshURL {
			return jsonResponse(http.StatusOK, `{}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	assert.ErrorIs(t, err, common.ErrSessionExpired)
	_, found := stored(t, store, common.AccessKey)
	assert.False(t, found)
}

func TestDo_RotatedRefreshTokenIsPersisted(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == refreshURL {
			return jsonResponse(http.StatusOK, `{"access":"new","refresh":"rotated"}`), nil
		}
		if r.Header.Get("Authorization") == "Bearer new" {
			return jsonResponse(http.StatusOK, `{}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.NoError(t, err)
	refresh, _ := stored(t, store, common.RefreshKey)
	assert.Equal(t, "rotated", refresh)
}

func TestDo_RequestError_JSON(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, `{"detail":"title is required","title":["This field is required."]}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "validtoken", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Method: http.MethodPost, Path: "/reports/issues/", Body: map[string]string{}})
	var reqErr *common.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Equal(t, "title is required", reqErr.Detail)
	body, ok := reqErr.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, body, "title")

	// credentials untouched
	access, _ := stored(t, store, common.AccessKey)
	assert.Equal(t, "validtoken", access)
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
}

func TestDo_RequestError_TextIsTruncated(t *testing.T) {
	page := "<html>" + strings.Repeat("x", 2000) + "</html>"
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return textResponse(http.StatusBadGateway, page), nil
	}}
	client := session.New(baseURL, mockHTTP, newStore(t, nil))

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	var reqErr *common.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
	text, ok := reqErr.Body.(string)
	require.True(t, ok)
	assert.Len(t, text, 1000)
}

func TestDo_ForbiddenIsNotAuthFailure(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusForbidden, `{"detail":"Only providers can claim issues."}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Method: http.MethodPost, Path: "/reports/issues/1/claim/"})
	var reqErr *common.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
}

func TestDo_NetworkError(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	var netErr *common.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, common.IsSessionExpired(err))
	_, found := stored(t, store, common.AccessKey)
	assert.True(t, found, "network failures keep the session")
}

func TestDo_RefreshUnreachableKeepsSession(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == refreshURL {
			return nil, errors.New("connection reset")
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	var netErr *common.NetworkError
	require.ErrorAs(t, err, &netErr)
	refresh, found := stored(t, store, common.RefreshKey)
	assert.True(t, found)
	assert.Equal(t, "r", refresh)
}

func TestDo_TwoCallsAreIndependent(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"ok":true}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "validtoken", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	for i := 0; i < 2; i++ {
		resp, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"ok": true}, resp.Value)
	}
	assert.Equal(t, 2, mockHTTP.count(http.MethodGet, issuesURL))
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
	access, _ := stored(t, store, common.AccessKey)
	refresh, _ := stored(t, store, common.RefreshKey)
	assert.Equal(t, "validtoken", access)
	assert.Equal(t, "r", refresh)
}

func TestDo_AnonymousRequest(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"detail":"Invalid credentials"}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "a", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{
		Method:    http.MethodPost,
		Path:      "/accounts/login/",
		Body:      map[string]string{"username": "u", "password": "wrong"},
		Anonymous: true,
	})
	var reqErr *common.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "Invalid credentials", reqErr.Detail)
	assert.Empty(t, mockHTTP.requests[0].Header.Get("Authorization"))
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
	_, found := stored(t, store, common.AccessKey)
	assert.True(t, found)
}

func TestDo_PartialStateIsAnonymous(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `[]`), nil
	}}
	store := newStore(t, map[string]string{common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.NoError(t, err)
	assert.Empty(t, mockHTTP.requests[0].Header.Get("Authorization"))
}

func TestDo_MultipartBodyIsReplayedAfterRefresh(t *testing.T) {
	var bodies [][]byte
	var contentTypes []string
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == refreshURL {
			return jsonResponse(http.StatusOK, `{"access":"fresh"}`), nil
		}
		bodies = append(bodies, r.Body)
		contentTypes = append(contentTypes, r.Header.Get("Content-Type"))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			return jsonResponse(http.StatusUnauthorized, `{}`), nil
		}
		return jsonResponse(http.StatusCreated, `{"id":7}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store)

	var out struct {
		ID int `json:"id"`
	}
	err := client.DoJSON(context.Background(), session.Request{
		Method: http.MethodPost,
		Path:   "/reports/issues/",
		Form: &session.MultipartForm{
			Fields: map[string]string{"title": "Pothole"},
			Files:  []session.FilePart{{Field: "photo", FileName: "hole.jpg", ContentType: "image/jpeg", Content: strings.NewReader("jpegdata")}},
		},
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.ID)

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1], "retry must resend the same body")
	assert.Contains(t, string(bodies[1]), "jpegdata")
	assert.True(t, strings.HasPrefix(contentTypes[1], "multipart/form-data; boundary="))
}

func TestDo_CallerContentTypeWins(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		return textResponse(http.StatusOK, "ok"), nil
	}}
	client := session.New(baseURL, mockHTTP, newStore(t, nil))

	resp, err := client.Do(context.Background(), session.Request{
		Method: http.MethodPost,
		Path:   "/raw/",
		Body:   []byte("a=b"),
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", mockHTTP.requests[0].Header.Get("Content-Type"))
	assert.Nil(t, resp.Value)
	assert.Equal(t, "ok", string(resp.Body))
	assert.False(t, resp.IsJSON())
}

func TestDo_BodyAndFormAreExclusive(t *testing.T) {
	client := session.New(baseURL, &mockHttpClient{}, newStore(t, nil))
	_, err := client.Do(context.Background(), session.Request{
		Method: http.MethodPost,
		Path:   "/reports/issues/",
		Body:   map[string]string{},
		Form:   &session.MultipartForm{},
	})
	require.Error(t, err)
}

// mockRefresher lets tests control refresh outcomes without HTTP.
type mockRefresher struct {
	mu    sync.Mutex
	calls int
	fn    func(refreshToken string) (*oauth2.Token, error)
}

func (m *mockRefresher) RefreshToken(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(refreshToken)
}

func TestDo_CustomRefresher(t *testing.T) {
	refresher := &mockRefresher{fn: func(r string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "from-refresher"}, nil
	}}
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.Header.Get("Authorization") == "Bearer from-refresher" {
			return jsonResponse(http.StatusOK, `{}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store, session.WithRefresher(refresher))

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 0, mockHTTP.count(http.MethodPost, refreshURL))
}

func TestDo_CustomRefreshPath(t *testing.T) {
	mockHTTP := &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.URL == baseURL+"/auth/jwt/refresh/" {
			return jsonResponse(http.StatusOK, `{"access":"new"}`), nil
		}
		if r.Header.Get("Authorization") == "Bearer new" {
			return jsonResponse(http.StatusOK, `{}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{}`), nil
	}}
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store, session.WithRefreshPath("/auth/jwt/refresh/"))

	_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
	require.NoError(t, err)
}

// blockingRefresher holds every exchange until release is closed.
type blockingRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlockingRefresher() *blockingRefresher {
	return &blockingRefresher{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRefresher) RefreshToken(ctx context.Context, _ string) (*oauth2.Token, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	select {
	case <-b.release:
		return &oauth2.Token{AccessToken: "new"}, nil
	case <-ctx.Done():
		return nil, &common.NetworkError{Method: http.MethodPost, URL: refreshURL, Err: ctx.Err()}
	}
}

// unauthorizedUntilNew answers 401 unless the request carries the refreshed token.
func unauthorizedUntilNew() *mockHttpClient {
	return &mockHttpClient{handler: func(r recordedRequest) (*http.Response, error) {
		if r.Header.Get("Authorization") == "Bearer new" {
			return jsonResponse(http.StatusOK, `[]`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{"detail":"token expired"}`), nil
	}}
}

// waitForJoin waits until n calls got their first 401 and gives them time to
// reach the shared refresh.
func waitForJoin(t *testing.T, mockHTTP *mockHttpClient, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mockHTTP.count(http.MethodGet, issuesURL) >= n
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
}

func TestDo_ConcurrentCallsShareOneRefresh(t *testing.T) {
	refresher := newBlockingRefresher()
	mockHTTP := unauthorizedUntilNew()
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store, session.WithRefresher(refresher))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
		}(i)
	}

	<-refresher.started
	waitForJoin(t, mockHTTP, workers)
	close(refresher.release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, 2*workers, mockHTTP.count(http.MethodGet, issuesURL))
	access, _ := stored(t, store, common.AccessKey)
	assert.Equal(t, "new", access)
}

func TestDo_CancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	refresher := newBlockingRefresher()
	mockHTTP := unauthorizedUntilNew()
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store, session.WithRefresher(refresher))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := client.Do(ctxA, session.Request{Path: "/reports/issues/"})
		errA <- err
	}()
	<-refresher.started

	errB := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), session.Request{Path: "/reports/issues/"})
		errB <- err
	}()
	waitForJoin(t, mockHTTP, 2)

	cancelA()
	err := <-errA
	var netErr *common.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.ErrorIs(t, err, context.Canceled)

	close(refresher.release)
	require.NoError(t, <-errB)
	assert.Equal(t, int32(1), refresher.calls.Load())

	access, _ := stored(t, store, common.AccessKey)
	assert.Equal(t, "new", access)
	_, found := stored(t, store, common.RefreshKey)
	assert.True(t, found, "a cancelled caller does not clear the session")
}

func TestDo_RefreshIsStoredAfterAllCallersLeave(t *testing.T) {
	refresher := newBlockingRefresher()
	mockHTTP := unauthorizedUntilNew()
	store := newStore(t, map[string]string{common.AccessKey: "old", common.RefreshKey: "r"})
	client := session.New(baseURL, mockHTTP, store, session.WithRefresher(refresher))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, session.Request{Path: "/reports/issues/"})
		done <- err
	}()
	<-refresher.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(refresher.release)
	require.Eventually(t, func() bool {
		access, _, err := store.Get(context.Background(), common.AccessKey)
		return err == nil && access == "new"
	}, time.Second, time.Millisecond)
}

// Package backendtest runs an in-process imitation of the CivicTrack REST
// backend for tests: JWT access/refresh tokens, the issue resource, flags,
// category prediction and the account endpoints.
package backendtest

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/guarzo/civictrack/common/model"
)

// Prefix is where the API is mounted; BaseURL includes it.
const Prefix = "/api/v1"

var signingKey = []byte("backendtest-secret")

// MintToken signs an HS256 token for subject expiring at exp.
func MintToken(subject string, exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"jti": strconv.FormatInt(time.Now().UnixNano(), 36),
	})
	s, err := tok.SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return s
}

type account struct {
	model.Profile
	Password string
}

type failure struct {
	status    int
	remaining int
}

// Server is the fake backend.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	accessOwner map[string]string // access token -> username
	refresh     map[string]string // refresh token -> username
	accounts    map[string]*account
	issues      map[int64]*model.Issue
	flags       []model.FlagRequest
	nextID      int64
	calls       map[string]int
	auth        map[string]string
	failures    map[string]*failure

	// RotateRefresh makes the refresh endpoint return a new refresh token.
	RotateRefresh bool
	// AccessTTL is the lifetime of minted access tokens.
	AccessTTL time.Duration
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		accessOwner: map[string]string{},
		refresh:     map[string]string{},
		accounts:    map[string]*account{},
		issues:      map[int64]*model.Issue{},
		nextID:      1,
		calls:       map[string]int{},
		auth:        map[string]string{},
		failures:    map[string]*failure{},
		AccessTTL:   30 * time.Minute,
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the root every client path is relative to.
func (s *Server) BaseURL() string {
	return s.URL + Prefix
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Route(Prefix, func(r chi.Router) {
		r.Post("/token/refresh/", s.handleRefresh)

		r.Post("/accounts/login/", s.handleLogin)
		r.Post("/accounts/signup/", s.handleSignup)
		r.Post("/accounts/password-reset/", s.handlePasswordReset)
		r.Post("/accounts/password-reset-confirm/{uid}/{token}/", s.handlePasswordResetConfirm)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/accounts/profile/", s.handleProfile)
			r.Patch("/accounts/profile/update/", s.handleProfileUpdate)

			r.Get("/reports/issues/", s.handleListIssues)
			r.Post("/reports/issues/", s.handleCreateIssue)
			r.Get("/reports/issues/{id}/", s.handleGetIssue)
			r.Patch("/reports/issues/{id}/", s.handleUpdateIssue)
			r.Post("/reports/issues/{id}/claim/", s.handleClaim)
			r.Post("/reports/issues/{id}/like/", s.handleLike)
			r.Post("/reports/flags/", s.handleFlag)
			r.Post("/predict-category/", s.handlePredict)
		})
	})
	return r
}

// ----------------------------------------------------------------------
// Test controls
// ----------------------------------------------------------------------

// AddAccount registers a user that can log in.
func (s *Server) AddAccount(username, password string, role model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &account{
		Profile:  model.Profile{ID: int64(len(s.accounts) + 1), Username: username, Role: role},
		Password: password,
	}
}

// IssueTokens mints a valid access/refresh pair for username.
func (s *Server) IssueTokens(username string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokensLocked(username)
}

func (s *Server) issueTokensLocked(username string) (string, string) {
	access := MintToken(username, time.Now().Add(s.AccessTTL))
	refresh := MintToken(username+":refresh", time.Now().Add(7*24*time.Hour))
	s.accessOwner[access] = username
	s.refresh[refresh] = username
	return access, refresh
}

// RevokeAccess makes an access token answer 401.
func (s *Server) RevokeAccess(access string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessOwner, access)
}

// RevokeRefresh makes a refresh token be rejected.
func (s *Server) RevokeRefresh(refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, refresh)
}

// AddIssue stores an issue and returns its id.
func (s *Server) AddIssue(issue model.Issue) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue.ID = s.nextID
	s.nextID++
	if issue.Status == "" {
		issue.Status = model.StatusPending
	}
	s.issues[issue.ID] = &issue
	return issue.ID
}

// Issue returns a copy of a stored issue.
func (s *Server) Issue(id int64) (model.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return model.Issue{}, false
	}
	return *issue, true
}

// Flags returns every flag received.
func (s *Server) Flags() []model.FlagRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FlagRequest(nil), s.flags...)
}

// Fail makes the next n calls to "METHOD /path" (path without Prefix) answer status.
func (s *Server) Fail(route string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, remaining: n}
}

// Calls counts requests to "METHOD /path" (path without Prefix).
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// LastAuthorization is the Authorization header of the latest call to route.
func (s *Server) LastAuthorization(route string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[route]
}

// ----------------------------------------------------------------------
// Middleware
// ----------------------------------------------------------------------

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + strings.TrimPrefix(r.URL.Path, Prefix)

		s.mu.Lock()
		s.calls[route]++
		s.auth[route] = r.Header.Get("Authorization")
		var failStatus int
		if f := s.failures[route]; f != nil && f.remaining > 0 {
			f.remaining--
			failStatus = f.status
		}
		s.mu.Unlock()

		if failStatus != 0 {
			writeJSON(w, failStatus, map[string]string{"detail": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxUserKey struct{}

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxUserKey{}, username)
}

func userFrom(ctx context.Context) string {
	username, _ := ctx.Value(ctxUserKey{}).(string)
	return username
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		s.mu.Lock()
		username, ok := s.accessOwner[strings.TrimPrefix(header, "Bearer ")]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
	})
}

// ----------------------------------------------------------------------
// Tokens & accounts
// ----------------------------------------------------------------------

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"refresh": "This field is required."})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.refresh[req.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}

	access := MintToken(username, time.Now().Add(s.AccessTTL))
	s.accessOwner[access] = username
	resp := model.TokenRefreshResponse{Access: access}
	if s.RotateRefresh {
		delete(s.refresh, req.Refresh)
		resp.Refresh = MintToken(username+":refresh", time.Now().Add(7*24*time.Hour))
		s.refresh[resp.Refresh] = username
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[req.Username]
	if !ok || acc.Password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid credentials"})
		return
	}
	access, refresh := s.issueTokensLocked(req.Username)
	writeJSON(w, http.StatusOK, model.LoginResponse{
		Access:   access,
		Refresh:  refresh,
		Username: acc.Username,
		Role:     acc.Role,
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in model.SignupInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}
	if in.Role == "" {
		in.Role = model.RoleConsumer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[in.Username]; exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"A user with that username already exists."}})
		return
	}
	acc := &account{
		Profile:  model.Profile{ID: int64(len(s.accounts) + 1), Username: in.Username, Email: in.Email, Role: in.Role},
		Password: in.Password,
	}
	s.accounts[in.Username] = acc
	writeJSON(w, http.StatusCreated, model.User{ID: acc.ID, Username: acc.Username, Email: acc.Email, Role: acc.Role})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "email is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Password reset link sent."})
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewPassword == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "new_password is required"})
		return
	}
	if chi.URLParam(r, "token") != "valid-token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid or expired reset link."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Password has been reset."})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userFrom(r.Context())]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, acc.Profile)
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "expected multipart form"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userFrom(r.Context())]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if v := r.FormValue("email"); v != "" {
		acc.Email = v
	}
	if v := r.FormValue("contact"); v != "" {
		acc.Contact = v
	}
	if _, fh, err := r.FormFile("profile_pic"); err == nil {
		acc.ProfilePic = "/media/profile_pics/" + fh.Filename
	}
	writeJSON(w, http.StatusOK, acc.Profile)
}

// ----------------------------------------------------------------------
// Issues
// ----------------------------------------------------------------------

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		lat, lon float64
		nearby   bool
		radius   = 5.0
	)
	if v := q.Get("nearby"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "nearby must be lat,lon"})
			return
		}
		lat, _ = strconv.ParseFloat(parts[0], 64)
		lon, _ = strconv.ParseFloat(parts[1], 64)
		nearby = true
		if rv := q.Get("radius_km"); rv != "" {
			radius, _ = strconv.ParseFloat(rv, 64)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Issue{}
	for id := int64(1); id < s.nextID; id++ {
		issue, ok := s.issues[id]
		if !ok {
			continue
		}
		if v := q.Get("status"); v != "" && string(issue.Status) != v {
			continue
		}
		if v := q.Get("category"); v != "" && string(issue.Category) != v {
			continue
		}
		copied := *issue
		if nearby {
			if issue.Latitude == nil || issue.Longitude == nil {
				continue
			}
			d := approxKm(lat, lon, float64(*issue.Latitude), float64(*issue.Longitude))
			if d > radius {
				continue
			}
			copied.DistanceKm = &d
		}
		out = append(out, copied)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "expected multipart form"})
		return
	}
	issue := model.Issue{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    model.Category(r.FormValue("category")),
		Location:    r.FormValue("location"),
		Priority:    model.Priority(r.FormValue("priority")),
		IsAnonymous: r.FormValue("is_anonymous") == "true",
	}
	if issue.Title == "" || issue.Description == "" || issue.Category == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"title": {"This field is required."}})
		return
	}
	if issue.Priority == "" {
		issue.Priority = model.PriorityMedium
	}
	if v := r.FormValue("latitude"); v != "" {
		var c model.Coordinate
		if err := c.UnmarshalJSON([]byte(v)); err == nil {
			issue.Latitude = &c
		}
	}
	if v := r.FormValue("longitude"); v != "" {
		var c model.Coordinate
		if err := c.UnmarshalJSON([]byte(v)); err == nil {
			issue.Longitude = &c
		}
	}
	if _, fh, err := r.FormFile("photo"); err == nil {
		issue.Photo = "/media/issue_photos/" + fh.Filename
	}
	issue.ReporterName = userFrom(r.Context())
	if issue.IsAnonymous {
		issue.ReporterName = "Anonymous"
	}
	issue.CreatedAt = time.Now().UTC()
	issue.UpdatedAt = issue.CreatedAt

	id := s.AddIssue(issue)
	created, _ := s.Issue(id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) issueFromPath(w http.ResponseWriter, r *http.Request) (*model.Issue, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return nil, false
	}
	issue, ok := s.issues[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return nil, false
	}
	return issue, true
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleUpdateIssue(w http.ResponseWriter, r *http.Request) {
	var upd model.IssueUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	if upd.Title != nil {
		issue.Title = *upd.Title
	}
	if upd.Description != nil {
		issue.Description = *upd.Description
	}
	if upd.Category != nil {
		issue.Category = *upd.Category
	}
	if upd.Location != nil {
		issue.Location = *upd.Location
	}
	if upd.Priority != nil {
		issue.Priority = *upd.Priority
	}
	if upd.Status != nil {
		issue.Status = *upd.Status
	}
	if upd.Feedback != nil {
		issue.Feedback = *upd.Feedback
	}
	issue.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[userFrom(r.Context())]
	if acc == nil || acc.Role != model.RoleProvider {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Only providers can claim issues."})
		return
	}
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	if issue.AssignedTo != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Issue already claimed."})
		return
	}
	id := acc.ID
	issue.AssignedTo = &id
	issue.AssignedToName = acc.Username
	issue.Status = model.StatusAssigned
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	issue.LikesCount++
	writeJSON(w, http.StatusOK, map[string]int{"likes_count": issue.LikesCount})
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	var req model.FlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "reason is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[req.Issue]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Unknown issue."})
		return
	}
	issue.IsFlagged = true
	s.flags = append(s.flags, req)
	writeJSON(w, http.StatusCreated, model.Flag{
		ID:         int64(len(s.flags)),
		Reason:     req.Reason,
		Comment:    req.Comment,
		ReportedBy: userFrom(r.Context()),
		CreatedAt:  time.Now().UTC(),
	})
}

var keywords = map[model.Category][]string{
	model.CategoryRoad:     {"pothole", "road", "crack"},
	model.CategoryGarbage:  {"garbage", "trash", "waste"},
	model.CategoryWater:    {"water", "leak", "pipe"},
	model.CategoryLighting: {"light", "lamp", "dark"},
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "description is required"})
		return
	}
	text := strings.ToLower(req.Description)
	for _, c := range model.Categories {
		for _, kw := range keywords[c] {
			if strings.Contains(text, kw) {
				writeJSON(w, http.StatusOK, model.Prediction{PredictedCategory: c, Confidence: 0.9})
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, model.Prediction{PredictedCategory: model.CategoryOther, Confidence: 0.3})
}

// ----------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// approxKm is an equirectangular distance, good enough for city-scale tests.
func approxKm(lat1, lon1, lat2, lon2 float64) float64 {
	const kmPerDegree = 111.32
	dLat := (lat2 - lat1) * kmPerDegree
	dLon := (lon2 - lon1) * kmPerDegree
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

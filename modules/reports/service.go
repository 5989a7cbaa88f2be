package reports

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/common/model"
	"github.com/guarzo/civictrack/modules/session"
)

// DefaultRadiusKm is used by NearbyIssues when no radius is given.
const DefaultRadiusKm = 5.0

// Paths are the resource paths, relative to the client's base URL. Backend
// revisions disagree on them, so they are configuration.
type Paths struct {
	Issues  string `yaml:"issues"  env:"ISSUES_PATH"  env-default:"/reports/issues/"`
	Flags   string `yaml:"flags"   env:"FLAGS_PATH"   env-default:"/reports/flags/"`
	Predict string `yaml:"predict" env:"PREDICT_PATH" env-default:"/predict-category/"`
}

// DefaultPaths matches the versioned backend.
func DefaultPaths() Paths {
	return Paths{
		Issues:  "/reports/issues/",
		Flags:   "/reports/flags/",
		Predict: "/predict-category/",
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.Issues == "" {
		p.Issues = d.Issues
	}
	if p.Flags == "" {
		p.Flags = d.Flags
	}
	if p.Predict == "" {
		p.Predict = d.Predict
	}
	return p
}

// ListFilter narrows ListIssues. Zero values mean "any".
type ListFilter struct {
	Status   model.Status
	Category model.Category
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Category != "" {
		q.Set("category", string(f.Category))
	}
	return q
}

// Photo is an image attached to a new issue.
type Photo struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// Service is the typed API for the issue resource.
type Service interface {
	ListIssues(ctx context.Context, filter ListFilter) ([]model.Issue, error)
	// ListIssuesWithRetry retries the list on 5xx answers with exponential backoff.
	ListIssuesWithRetry(ctx context.Context, filter ListFilter) ([]model.Issue, error)
	NearbyIssues(ctx context.Context, lat, lon, radiusKm float64) ([]model.Issue, error)
	GetIssue(ctx context.Context, id int64) (*model.Issue, error)
	CreateIssue(ctx context.Context, input model.IssueInput, photo *Photo) (*model.Issue, error)
	UpdateIssue(ctx context.Context, id int64, update model.IssueUpdate) (*model.Issue, error)
	ClaimIssue(ctx context.Context, id int64) (*model.Issue, error)
	LikeIssue(ctx context.Context, id int64) (int, error)
	FlagIssue(ctx context.Context, id int64, reason model.FlagReason, comment string) (*model.Flag, error)
	PredictCategory(ctx context.Context, description string) (*model.Prediction, error)
}

type service struct {
	client     session.Client
	httpClient common.HttpClient
	paths      Paths
}

// NewService builds the issue API on top of an authenticated client. The
// HttpClient is only used for its retry helper.
func NewService(client session.Client, httpClient common.HttpClient, paths Paths) Service {
	return &service{
		client:     client,
		httpClient: httpClient,
		paths:      paths.withDefaults(),
	}
}

func (s *service) issuePath(id int64, action string) string {
	p := strings.TrimRight(s.paths.Issues, "/") + "/" + strconv.FormatInt(id, 10) + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}

func (s *service) ListIssues(ctx context.Context, filter ListFilter) ([]model.Issue, error) {
	var issues []model.Issue
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodGet,
		Path:   s.paths.Issues,
		Query:  filter.query(),
	}, &issues)
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (s *service) ListIssuesWithRetry(ctx context.Context, filter ListFilter) ([]model.Issue, error) {
	operation := func() (interface{}, error) {
		return s.ListIssues(ctx, filter)
	}
	result, err := s.httpClient.RetryWithExponentialBackoff(ctx, operation)
	if err != nil {
		return nil, err
	}
	return result.([]model.Issue), nil
}

func (s *service) NearbyIssues(ctx context.Context, lat, lon, radiusKm float64) ([]model.Issue, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f,%f", lat, lon)
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	q := url.Values{}
	q.Set("nearby", model.Coordinate(lat).Format()+","+model.Coordinate(lon).Format())
	q.Set("radius_km", strconv.FormatFloat(radiusKm, 'f', -1, 64))

	var issues []model.Issue
	if err := s.client.DoJSON(ctx, session.Request{Path: s.paths.Issues, Query: q}, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (s *service) GetIssue(ctx context.Context, id int64) (*model.Issue, error) {
	var issue model.Issue
	if err := s.client.DoJSON(ctx, session.Request{Path: s.issuePath(id, "")}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *service) CreateIssue(ctx context.Context, input model.IssueInput, photo *Photo) (*model.Issue, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	form := &session.MultipartForm{Fields: input.Fields()}
	if photo != nil {
		form.Files = append(form.Files, session.FilePart{
			Field:       "photo",
			FileName:    photo.FileName,
			ContentType: photo.ContentType,
			Content:     photo.Content,
		})
	}

	var issue model.Issue
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodPost,
		Path:   s.paths.Issues,
		Form:   form,
	}, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *service) UpdateIssue(ctx context.Context, id int64, update model.IssueUpdate) (*model.Issue, error) {
	var issue model.Issue
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodPatch,
		Path:   s.issuePath(id, ""),
		Body:   update,
	}, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *service) ClaimIssue(ctx context.Context, id int64) (*model.Issue, error) {
	var issue model.Issue
	err := s.client.DoJSON(ctx, session.Request{Method: http.MethodPost, Path: s.issuePath(id, "claim")}, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *service) LikeIssue(ctx context.Context, id int64) (int, error) {
	var out struct {
		LikesCount int `json:"likes_count"`
	}
	err := s.client.DoJSON(ctx, session.Request{Method: http.MethodPost, Path: s.issuePath(id, "like")}, &out)
	if err != nil {
		return 0, err
	}
	return out.LikesCount, nil
}

func (s *service) FlagIssue(ctx context.Context, id int64, reason model.FlagReason, comment string) (*model.Flag, error) {
	if reason == "" {
		reason = model.FlagOther
	}
	var flag model.Flag
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodPost,
		Path:   s.paths.Flags,
		Body:   model.FlagRequest{Issue: id, Reason: reason, Comment: comment},
	}, &flag)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

func (s *service) PredictCategory(ctx context.Context, description string) (*model.Prediction, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("description is required")
	}
	var pred model.Prediction
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodPost,
		Path:   s.paths.Predict,
		Body:   map[string]string{"description": description},
	}, &pred)
	if err != nil {
		return nil, err
	}
	return &pred, nil
}

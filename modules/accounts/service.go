package accounts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/common/model"
	"github.com/guarzo/civictrack/modules/session"
)

// Paths are the account endpoints relative to the client's base URL.
// ResetConfirm carries {uid} and {token} placeholders.
type Paths struct {
	Login         string `yaml:"login"          env:"LOGIN_PATH"          env-default:"/accounts/login/"`
	Signup        string `yaml:"signup"         env:"SIGNUP_PATH"         env-default:"/accounts/signup/"`
	Profile       string `yaml:"profile"        env:"PROFILE_PATH"        env-default:"/accounts/profile/"`
	ProfileUpdate string `yaml:"profile_update" env:"PROFILE_UPDATE_PATH" env-default:"/accounts/profile/update/"`
	ResetRequest  string `yaml:"reset_request"  env:"RESET_REQUEST_PATH"  env-default:"/accounts/password-reset/"`
	ResetConfirm  string `yaml:"reset_confirm"  env:"RESET_CONFIRM_PATH"  env-default:"/accounts/password-reset-confirm/{uid}/{token}/"`
}

func DefaultPaths() Paths {
	return Paths{
		Login:         "/accounts/login/",
		Signup:        "/accounts/signup/",
		Profile:       "/accounts/profile/",
		ProfileUpdate: "/accounts/profile/update/",
		ResetRequest:  "/accounts/password-reset/",
		ResetConfirm:  "/accounts/password-reset-confirm/{uid}/{token}/",
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&p.Login, d.Login},
		{&p.Signup, d.Signup},
		{&p.Profile, d.Profile},
		{&p.ProfileUpdate, d.ProfileUpdate},
		{&p.ResetRequest, d.ResetRequest},
		{&p.ResetConfirm, d.ResetConfirm},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	return p
}

// ProfilePicture is an image uploaded with a profile update.
type ProfilePicture struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

// Service is the typed API for accounts and the stored session.
type Service interface {
	// Login authenticates and stores the token pair plus username and role.
	Login(ctx context.Context, username, password string) (*model.LoginResponse, error)
	// Signup registers an account. It does not log in.
	Signup(ctx context.Context, input model.SignupInput) (*model.User, error)
	// Logout forgets the stored session. The backend keeps no session state.
	Logout(ctx context.Context) error
	Profile(ctx context.Context) (*model.Profile, error)
	UpdateProfile(ctx context.Context, update model.ProfileUpdate, pic *ProfilePicture) (*model.Profile, error)
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ConfirmPasswordReset(ctx context.Context, uid, token, password string) (string, error)
}

type service struct {
	client session.Client
	paths  Paths
}

func NewService(client session.Client, paths Paths) Service {
	return &service{client: client, paths: paths.withDefaults()}
}

func (s *service) Login(ctx context.Context, username, password string) (*model.LoginResponse, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	var resp model.LoginResponse
	err := s.client.DoJSON(ctx, session.Request{
		Method:    http.MethodPost,
		Path:      s.paths.Login,
		Body:      model.LoginRequest{Username: username, Password: password},
		Anonymous: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Access == "" || resp.Refresh == "" {
		return nil, fmt.Errorf("login response is missing tokens")
	}
	if resp.Username == "" {
		resp.Username = username
	}

	// nothing from a previous login may survive into this one
	store := s.client.Store()
	if err := store.Delete(ctx, common.SessionKeys...); err != nil {
		return nil, fmt.Errorf("failed to clear previous session: %w", err)
	}
	values := map[string]string{
		common.AccessKey:   resp.Access,
		common.RefreshKey:  resp.Refresh,
		common.UsernameKey: resp.Username,
		common.RoleKey:     string(resp.Role),
	}
	for _, key := range common.SessionKeys {
		v := values[key]
		if v == "" {
			continue
		}
		if err := store.Set(ctx, key, v); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", key, err)
		}
	}
	return &resp, nil
}

func (s *service) Signup(ctx context.Context, input model.SignupInput) (*model.User, error) {
	if input.Username == "" || input.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	var user model.User
	err := s.client.DoJSON(ctx, session.Request{
		Method:    http.MethodPost,
		Path:      s.paths.Signup,
		Body:      input,
		Anonymous: true,
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *service) Logout(ctx context.Context) error {
	if err := s.client.Store().Delete(ctx, common.SessionKeys...); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *service) Profile(ctx context.Context) (*model.Profile, error) {
	var profile model.Profile
	if err := s.client.DoJSON(ctx, session.Request{Path: s.paths.Profile}, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *service) UpdateProfile(ctx context.Context, update model.ProfileUpdate, pic *ProfilePicture) (*model.Profile, error) {
	form := &session.MultipartForm{Fields: update.Fields()}
	if pic != nil {
		form.Files = append(form.Files, session.FilePart{
			Field:       "profile_pic",
			FileName:    pic.FileName,
			ContentType: pic.ContentType,
			Content:     pic.Content,
		})
	}
	if len(form.Fields) == 0 && len(form.Files) == 0 {
		return nil, fmt.Errorf("nothing to update")
	}

	var profile model.Profile
	err := s.client.DoJSON(ctx, session.Request{
		Method: http.MethodPatch,
		Path:   s.paths.ProfileUpdate,
		Form:   form,
	}, &profile)
	if err != nil {
		return nil, err
	}
	if profile.Username != "" {
		if err := s.client.Store().Set(ctx, common.UsernameKey, profile.Username); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", common.UsernameKey, err)
		}
	}
	return &profile, nil
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func (s *service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	var out detailResponse
	err := s.client.DoJSON(ctx, session.Request{
		Method:    http.MethodPost,
		Path:      s.paths.ResetRequest,
		Body:      map[string]string{"email": email},
		Anonymous: true,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Detail, nil
}

func (s *service) ConfirmPasswordReset(ctx context.Context, uid, token, password string) (string, error) {
	if uid == "" || token == "" {
		return "", fmt.Errorf("uid and token are required")
	}
	if password == "" {
		return "", fmt.Errorf("new password is required")
	}
	path := strings.NewReplacer(
		"{uid}", url.PathEscape(uid),
		"{token}", url.PathEscape(token),
	).Replace(s.paths.ResetConfirm)

	var out detailResponse
	err := s.client.DoJSON(ctx, session.Request{
		Method:    http.MethodPost,
		Path:      path,
		Body:      map[string]string{"new_password": password},
		Anonymous: true,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Detail, nil
}

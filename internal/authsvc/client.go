// Package authsvc implements the HTTP client for the platform's external
// authentication backend: login, token verification, per-user tenant listing
// and health checks. Calls are retry-free; the session manager's generation
// discipline handles superseded requests.
package authsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-cloud/nimbus-console/internal/session"
)

const requestIDHeader = "X-Request-ID"

// Client wraps interactions with the authentication backend API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a new client for the backend at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  userPayload `json:"user"`
	Token string      `json:"token"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	User *userPayload `json:"user"`
}

type userPayload struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Email       string              `json:"email"`
	AvatarURL   string              `json:"avatar_url"`
	Role        string              `json:"role"`
	Permissions []string            `json:"permissions"`
	TenantRoles []tenantRolePayload `json:"tenant_roles"`
}

type tenantRolePayload struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Primary  bool   `json:"is_primary"`
}

type tenantPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// problemDetail mirrors the backend's RFC7807 error bodies.
type problemDetail struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Login implements session.AuthService.
func (c *Client) Login(ctx context.Context, email, password string) (*session.User, string, error) {
	var out loginResponse
	err := c.post(ctx, "/v1/auth/login", loginRequest{Email: email, Password: password}, &out)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.status == http.StatusUnauthorized || apiErr.status == http.StatusForbidden) {
			return nil, "", session.ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("authsvc: login: %w", err)
	}
	if out.Token == "" {
		return nil, "", errors.New("authsvc: login response missing token")
	}
	return toUser(out.User), out.Token, nil
}

// VerifyToken implements session.AuthService.
func (c *Client) VerifyToken(ctx context.Context, token string) (*session.User, error) {
	var out verifyResponse
	err := c.post(ctx, "/v1/auth/verify", verifyRequest{Token: token}, &out)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusUnauthorized {
			return nil, session.ErrInvalidToken
		}
		return nil, fmt.Errorf("authsvc: verify token: %w", err)
	}
	if out.User == nil {
		return nil, session.ErrInvalidToken
	}
	return toUser(*out.User), nil
}

// GetUserTenants implements session.AuthService.
func (c *Client) GetUserTenants(ctx context.Context, userID string) ([]session.Tenant, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/users/"+userID+"/tenants", nil)
	if err != nil {
		return nil, err
	}
	var payload []tenantPayload
	if err := c.do(req, &payload); err != nil {
		return nil, fmt.Errorf("authsvc: list tenants: %w", err)
	}
	tenants := make([]session.Tenant, 0, len(payload))
	for _, t := range payload {
		tenants = append(tenants, session.Tenant{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			CreatedAt:   t.CreatedAt,
		})
	}
	return tenants, nil
}

// CheckHealth implements session.AuthService. Any transport or non-2xx
// failure counts as unhealthy.
func (c *Client) CheckHealth(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("authsvc: health check", slog.Any("error", err))
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		detail := readProblem(resp.Body)
		return &apiError{status: resp.StatusCode, detail: detail}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readProblem(r io.Reader) string {
	var problem problemDetail
	if err := json.NewDecoder(r).Decode(&problem); err != nil {
		return ""
	}
	if problem.Detail != "" {
		return problem.Detail
	}
	return problem.Title
}

type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string {
	if e.detail == "" {
		return fmt.Sprintf("auth backend returned status %d", e.status)
	}
	return fmt.Sprintf("auth backend returned status %d: %s", e.status, e.detail)
}

func toUser(p userPayload) *session.User {
	user := &session.User{
		ID:          p.ID,
		Name:        p.Name,
		Email:       p.Email,
		AvatarURL:   p.AvatarURL,
		Role:        session.Role(p.Role),
		Permissions: p.Permissions,
	}
	if user.Role == "" {
		user.Role = session.RoleUser
	}
	for _, tr := range p.TenantRoles {
		user.TenantRoles = append(user.TenantRoles, session.TenantRole{
			TenantID: tr.TenantID,
			Role:     tr.Role,
			Primary:  tr.Primary,
		})
	}
	return user
}

var _ session.AuthService = (*Client)(nil)

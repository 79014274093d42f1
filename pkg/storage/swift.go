package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/notewell/attend/pkg/config"
)

// SwiftStore stores artifacts in an OpenStack Swift container using
// Keystone v3 application-credential auth. Tokens are cached and
// re-issued shortly before expiry.
type SwiftStore struct {
	httpClient   *http.Client
	authURL      string
	container    string
	credentialID string
	secret       string
	tempURLKey   string

	mu         sync.Mutex
	token      string
	storageURL string
	tokenExp   time.Time
}

// NewSwiftStore creates a Swift-backed blob store. Authentication is
// deferred to the first request.
func NewSwiftStore(cfg config.StorageConfig) (*SwiftStore, error) {
	if cfg.SwiftAuthURL == "" || cfg.SwiftContainer == "" {
		return nil, fmt.Errorf("swift auth URL and container are required")
	}
	if cfg.SwiftCredentialID == "" || cfg.SwiftSecret == "" {
		return nil, fmt.Errorf("swift application credential is required")
	}
	return &SwiftStore{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		authURL:      strings.TrimSuffix(cfg.SwiftAuthURL, "/"),
		container:    cfg.SwiftContainer,
		credentialID: cfg.SwiftCredentialID,
		secret:       cfg.SwiftSecret,
		tempURLKey:   cfg.SwiftTempURLKey,
	}, nil
}

type keystoneAuthRequest struct {
	Auth struct {
		Identity struct {
			Methods               []string `json:"methods"`
			ApplicationCredential struct {
				ID     string `json:"id"`
				Secret string `json:"secret"`
			} `json:"application_credential"`
		} `json:"identity"`
	} `json:"auth"`
}

type keystoneAuthResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
		Catalog   []struct {
			Type      string `json:"type"`
			Endpoints []struct {
				Interface string `json:"interface"`
				URL       string `json:"url"`
			} `json:"endpoints"`
		} `json:"catalog"`
	} `json:"token"`
}

// ensureToken returns a valid token and the object-store endpoint,
// authenticating against Keystone when the cached token is stale.
func (s *SwiftStore) ensureToken(ctx context.Context) (token, storageURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.tokenExp) > time.Minute {
		return s.token, s.storageURL, nil
	}

	var authReq keystoneAuthRequest
	authReq.Auth.Identity.Methods = []string{"application_credential"}
	authReq.Auth.Identity.ApplicationCredential.ID = s.credentialID
	authReq.Auth.Identity.ApplicationCredential.Secret = s.secret

	body, err := json.Marshal(authReq)
	if err != nil {
		return "", "", fmt.Errorf("marshal keystone request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.authURL+"/auth/tokens", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build keystone request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("keystone auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("keystone auth: unexpected status %d", resp.StatusCode)
	}

	subjectToken := resp.Header.Get("X-Subject-Token")
	if subjectToken == "" {
		return "", "", fmt.Errorf("keystone auth: missing X-Subject-Token")
	}

	var authResp keystoneAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", "", fmt.Errorf("decode keystone response: %w", err)
	}

	endpoint := ""
	for _, svc := range authResp.Token.Catalog {
		if svc.Type != "object-store" {
			continue
		}
		for _, ep := range svc.Endpoints {
			if ep.Interface == "public" {
				endpoint = strings.TrimSuffix(ep.URL, "/")
				break
			}
		}
	}
	if endpoint == "" {
		return "", "", fmt.Errorf("keystone catalog has no public object-store endpoint")
	}

	s.token = subjectToken
	s.storageURL = endpoint
	s.tokenExp = authResp.Token.ExpiresAt
	return s.token, s.storageURL, nil
}

func (s *SwiftStore) objectURL(storageURL, key string) string {
	return storageURL + "/" + s.container + "/" + key
}

// do issues one authenticated request, re-authenticating once on 401.
func (s *SwiftStore) do(ctx context.Context, method, key string, body io.Reader, contentType string) (*http.Response, error) {
	token, storageURL, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, s.objectURL(storageURL, key), body)
	if err != nil {
		return nil, fmt.Errorf("build swift request: %w", err)
	}
	req.Header.Set("X-Auth-Token", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swift %s: %w", method, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		if body != nil {
			return nil, fmt.Errorf("swift %s: token expired mid-request", method)
		}
		return s.do(ctx, method, key, nil, contentType)
	}
	return resp, nil
}

// Put uploads an object and returns its ETag.
func (s *SwiftStore) Put(ctx context.Context, key string, reader io.Reader, contentType string) (string, error) {
	resp, err := s.do(ctx, http.MethodPut, key, reader, contentType)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("swift put: unexpected status %d", resp.StatusCode)
	}
	return strings.Trim(resp.Header.Get("Etag"), `"`), nil
}

// Get retrieves an object.
func (s *SwiftStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, key, nil, "")
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("swift get: unexpected status %d", resp.StatusCode)
	}
}

// Delete removes an object. Missing objects are not an error.
func (s *SwiftStore) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, key, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("swift delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SignedURL returns a Swift TempURL for the object. Requires the
// account temp-url key to be configured.
func (s *SwiftStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.tempURLKey == "" {
		return "", fmt.Errorf("swift temp-url key not configured")
	}
	_, storageURL, err := s.ensureToken(ctx)
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(s.objectURL(storageURL, key))
	if err != nil {
		return "", fmt.Errorf("parse swift URL: %w", err)
	}

	expires := time.Now().Add(ttl).Unix()
	mac := hmac.New(sha1.New, []byte(s.tempURLKey))
	fmt.Fprintf(mac, "GET\n%d\n%s", expires, parsed.Path)
	sig := hex.EncodeToString(mac.Sum(nil))

	query := url.Values{}
	query.Set("temp_url_sig", sig)
	query.Set("temp_url_expires", fmt.Sprintf("%d", expires))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// Exists checks whether the key is present.
func (s *SwiftStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key, nil, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("swift head: unexpected status %d", resp.StatusCode)
	}
}

// Backend names the store for metrics.
func (s *SwiftStore) Backend() string { return "swift" }

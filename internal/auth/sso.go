package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTokenURL is the EVE SSO v2 token endpoint.
const DefaultTokenURL = "https://login.eveonline.com/v2/oauth/token"

// SSOConfig holds the OAuth client credentials for token refresh.
type SSOConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	http *http.Client
}

// Token is the pair returned by a refresh.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *SSOConfig) client() *http.Client {
	if s.http != nil {
		return s.http
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (s *SSOConfig) tokenURL() string {
	if s.TokenURL != "" {
		return s.TokenURL
	}
	return DefaultTokenURL
}

// RefreshToken exchanges a refresh token for a new access/refresh pair.
func (s *SSOConfig) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	basic := base64.StdEncoding.EncodeToString([]byte(s.ClientID + ":" + s.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("SSO refresh %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode SSO response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("SSO response missing access_token")
	}
	return &tok, nil
}

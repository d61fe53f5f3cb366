// Package oauth exchanges provider authorization codes for user profiles.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

const profileTimeout = 10 * time.Second

// Userinfo endpoints, vars so tests can point them at a local server.
var (
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	githubUserURL     = "https://api.github.com/user"
	githubEmailsURL   = "https://api.github.com/user/emails"
)

// Profile is the subset of a provider account used to sign a user in.
type Profile struct {
	Provider string
	Email    string
	Name     string
}

// Provider wraps one configured upstream identity provider.
type Provider struct {
	name    string
	cfg     *oauth2.Config
	profile func(ctx context.Context, client *http.Client) (*Profile, error)
}

// Name returns the provider identifier used in routes and user records.
func (p *Provider) Name() string { return p.name }

// AuthURL returns the provider consent page URL carrying the given state.
func (p *Provider) AuthURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for the provider profile.
func (p *Provider) Exchange(ctx context.Context, code string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	token, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange %s code: %w", p.name, err)
	}
	return p.profile(ctx, p.cfg.Client(ctx, token))
}

// Registry holds the providers enabled by configuration.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// AddGoogle registers the Google provider.
func (r *Registry) AddGoogle(clientID, clientSecret, redirectURL string) {
	r.providers["google"] = &Provider{
		name: "google",
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		profile: googleProfile,
	}
}

// AddGitHub registers the GitHub provider.
func (r *Registry) AddGitHub(clientID, clientSecret, redirectURL string) {
	r.providers["github"] = &Provider{
		name: "github",
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		},
		profile: githubProfile,
	}
}

// Get returns the named provider if configured.
func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// GenerateState returns a random value binding an authorization redirect to
// the browser session that initiated it.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func googleProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, client, googleUserInfoURL, &body); err != nil {
		return nil, fmt.Errorf("fetch google profile: %w", err)
	}
	if body.Email == "" {
		return nil, errors.New("google profile has no email")
	}
	return &Profile{Provider: "google", Email: strings.ToLower(body.Email), Name: body.Name}, nil
}

func githubProfile(ctx context.Context, client *http.Client) (*Profile, error) {
	var user struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Login string `json:"login"`
	}
	if err := getJSON(ctx, client, githubUserURL, &user); err != nil {
		return nil, fmt.Errorf("fetch github profile: %w", err)
	}

	email := user.Email
	if email == "" {
		// Profile email is often hidden; the emails endpoint lists them.
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(ctx, client, githubEmailsURL, &emails); err != nil {
			return nil, fmt.Errorf("fetch github emails: %w", err)
		}
		for _, e := range emails {
			if e.Verified && (e.Primary || email == "") {
				email = e.Email
			}
		}
	}
	if email == "" {
		return nil, errors.New("github account has no verified email")
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return &Profile{Provider: "github", Email: strings.ToLower(email), Name: name}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package github is a minimal GitHub REST client, just large enough to
// seed a review session from a pull request: reference parsing, metadata,
// and the raw diff.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

const defaultAPIURL = "https://api.github.com"

// PRRef identifies one pull request.
type PRRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r PRRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// PullRequest carries the metadata a session seeds its context from.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`

	HeadRef string `json:"-"`
	BaseRef string `json:"-"`

	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changed_files"`
}

// prEnvelope matches the REST response shape; head/base are nested.
type prEnvelope struct {
	PullRequest
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

var (
	shorthandRe = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)
	prURLRe     = regexp.MustCompile(`^https?://[^/]+/([\w.-]+)/([\w.-]+)/pull/(\d+)`)
)

// ParseRef accepts "owner/repo#123" and pull-request URLs.
func ParseRef(s string) (PRRef, error) {
	s = strings.TrimSpace(s)

	m := shorthandRe.FindStringSubmatch(s)
	if m == nil {
		m = prURLRe.FindStringSubmatch(s)
	}
	if m == nil {
		return PRRef{}, apperrors.New(apperrors.CodeGithubBadRef,
			fmt.Sprintf("cannot parse PR reference %q (want owner/repo#123 or a PR URL)", s))
	}

	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return PRRef{}, apperrors.New(apperrors.CodeGithubBadRef,
			fmt.Sprintf("invalid PR number in %q", s))
	}
	return PRRef{Owner: m[1], Repo: m[2], Number: n}, nil
}

// Client provides access to the GitHub REST API.
type Client struct {
	token   string
	apiURL  string
	httpCli *http.Client
}

// NewClient creates a client with an explicit token and API base. Empty
// apiURL uses the public endpoint.
func NewClient(token, apiURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		token:   token,
		apiURL:  strings.TrimRight(apiURL, "/"),
		httpCli: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewClientFromEnv reads GITHUB_TOKEN and GITHUB_API_URL. A missing token
// is not an error here; requests fail with github.no_token when actually
// made, so PR-less usage never needs credentials.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("GITHUB_TOKEN"), os.Getenv("GITHUB_API_URL"))
}

// Get fetches pull-request metadata.
func (c *Client) Get(ctx context.Context, ref PRRef) (*PullRequest, error) {
	body, err := c.get(ctx, ref, "application/vnd.github.v3+json")
	if err != nil {
		return nil, err
	}

	var env prEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeGithubAPI, "parsing PR metadata", err)
	}
	pr := env.PullRequest
	pr.HeadRef = env.Head.Ref
	pr.BaseRef = env.Base.Ref
	return &pr, nil
}

// Diff fetches the pull request's unified diff text.
func (c *Client) Diff(ctx context.Context, ref PRRef) (string, error) {
	body, err := c.get(ctx, ref, "application/vnd.github.v3.diff")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// get performs one authenticated request against the PR endpoint. The
// Accept header selects between the JSON and diff representations.
func (c *Client) get(ctx context.Context, ref PRRef, accept string) ([]byte, error) {
	if c.token == "" {
		return nil, apperrors.GithubNoToken()
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.apiURL, ref.Owner, ref.Repo, ref.Number)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeGithubAPI, "creating request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", accept)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeGithubAPI,
			fmt.Sprintf("fetching %s", ref), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeGithubAPI, "reading response", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.New(apperrors.CodeGithubNotFound,
			fmt.Sprintf("%s not found (or token lacks access)", ref))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.New(apperrors.CodeGithubAuth,
			fmt.Sprintf("GitHub rejected the token (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.New(apperrors.CodeGithubAPI,
			fmt.Sprintf("GitHub API error (status %d): %s", resp.StatusCode, truncate(string(body), 200)))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

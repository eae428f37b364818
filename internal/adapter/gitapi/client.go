// Package gitapi implements the commit source against GitHub-style commit
// APIs. The provider endpoint is derived from the repository's git URL.
package gitapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/riskline/defector/internal/domain"
)

// Client fetches commit details over HTTP. Reads are idempotent, so
// transient failures retry with exponential backoff.
type Client struct {
	http    *http.Client
	token   string
	retries uint64
}

// New builds a client. token may be empty for public repositories.
func New(token string, timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token:   token,
		retries: 3,
	}
}

// apiURL maps a git URL to the provider's commit endpoint. Only GitHub-style
// hosts are supported; anything else rejects.
func apiURL(gitURL, commitHash string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(gitURL, ".git"))
	if err != nil {
		return "", fmt.Errorf("parse git url %q: %w: %w", gitURL, domain.ErrInvalidArgument, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("git url %q has no owner/repo path: %w", gitURL, domain.ErrInvalidArgument)
	}
	owner, repo := parts[0], parts[1]
	host := u.Host
	if host == "github.com" {
		host = "api.github.com"
		return fmt.Sprintf("https://%s/repos/%s/%s/commits/%s", host, owner, repo, commitHash), nil
	}
	// GitHub Enterprise serves the same API under /api/v3.
	return fmt.Sprintf("https://%s/api/v3/repos/%s/%s/commits/%s", host, owner, repo, commitHash), nil
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Files []struct {
		Filename  string `json:"filename"`
		Status    string `json:"status"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch"`
	} `json:"files"`
}

// FetchCommit implements domain.CommitSource.
func (c *Client) FetchCommit(ctx domain.Context, repo domain.Repository, commitHash string) (domain.CommitDetail, error) {
	endpoint, err := apiURL(repo.GitURL, commitHash)
	if err != nil {
		return domain.CommitDetail{}, err
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("op=gitapi.fetch url=%s: %w: %w", endpoint, domain.ErrTransient, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("commit %s not found: %w", commitHash, domain.ErrNotFound))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("op=gitapi.fetch status=%d: %w", resp.StatusCode, domain.ErrTransient)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("op=gitapi.fetch status=%d: %w", resp.StatusCode, domain.ErrDependency))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=gitapi.read: %w: %w", domain.ErrTransient, err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.CommitDetail{}, err
	}

	var cr commitResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return domain.CommitDetail{}, fmt.Errorf("op=gitapi.decode: %w: %w", domain.ErrDependency, err)
	}

	detail := domain.CommitDetail{
		RepositoryID: repo.ID,
		CommitHash:   cr.SHA,
		Author:       cr.Commit.Author.Name,
		Message:      cr.Commit.Message,
		CommittedAt:  cr.Commit.Author.Date,
	}
	for _, f := range cr.Files {
		detail.FileDiffs = append(detail.FileDiffs, domain.CommitFileDiff{
			File:         f.Filename,
			ChangeType:   f.Status,
			LinesAdded:   f.Additions,
			LinesDeleted: f.Deletions,
			Diff:         f.Patch,
		})
	}
	return detail, nil
}

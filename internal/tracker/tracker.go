// File: internal/tracker/tracker.go
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to a Jira-style REST issue tracker. With an empty base URL it
// is permanently disabled and every call is a cheap no-op, which keeps the
// rest of the agent free of "is the tracker configured" checks.
type Client struct {
	logger  *zap.Logger
	cfg     config.TrackerConfig
	http    *http.Client
	enabled bool
}

// New builds a tracker client. The returned client is disabled when no base
// URL is configured.
func New(cfg config.TrackerConfig, logger *zap.Logger) *Client {
	return &Client{
		logger:  logger.Named("tracker"),
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		enabled: cfg.BaseURL != "",
	}
}

// Enabled reports whether the tracker integration is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// -- Wire types --

type searchResponse struct {
	Issues []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
		} `json:"fields"`
	} `json:"issues"`
}

type createRequest struct {
	Fields createFields `json:"fields"`
}

type createFields struct {
	Project     projectRef `json:"project"`
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	IssueType   typeRef    `json:"issuetype"`
	Labels      []string   `json:"labels"`
}

type projectRef struct {
	Key string `json:"key"`
}

type typeRef struct {
	Name string `json:"name"`
}

type createResponse struct {
	Key string `json:"key"`
}

// Search finds open issues carrying the agent's label whose text overlaps
// the given keywords.
func (c *Client) Search(ctx context.Context, keywords []string) ([]schemas.Issue, error) {
	if !c.enabled {
		return nil, nil
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	jql := fmt.Sprintf(
		`project = %q AND labels = %q AND statusCategory != Done AND text ~ %q ORDER BY created DESC`,
		c.cfg.ProjectKey, c.cfg.Label, strings.Join(keywords, " "))

	endpoint := fmt.Sprintf("%s/rest/api/2/search?jql=%s&fields=summary&maxResults=20",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.QueryEscape(jql))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	c.authorize(req)

	var parsed searchResponse
	if err := c.do(req, &parsed); err != nil {
		return nil, fmt.Errorf("tracker search: %w", err)
	}

	issues := make([]schemas.Issue, 0, len(parsed.Issues))
	for _, i := range parsed.Issues {
		issues = append(issues, schemas.Issue{ID: i.Key, Summary: i.Fields.Summary})
	}
	return issues, nil
}

// Create files a new issue and returns its tracker key.
func (c *Client) Create(ctx context.Context, summary, description string) (string, error) {
	if !c.enabled {
		return "", nil
	}

	payload := createRequest{
		Fields: createFields{
			Project:     projectRef{Key: c.cfg.ProjectKey},
			Summary:     summary,
			Description: description,
			IssueType:   typeRef{Name: "Bug"},
			Labels:      []string{c.cfg.Label},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding issue: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/rest/api/2/issue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	var parsed createResponse
	if err := c.do(req, &parsed); err != nil {
		return "", fmt.Errorf("tracker create: %w", err)
	}
	if parsed.Key == "" {
		return "", fmt.Errorf("tracker create: response carried no issue key")
	}
	return parsed.Key, nil
}

// Attach uploads a local evidence file to an existing issue.
func (c *Client) Attach(ctx context.Context, issueID, path string) error {
	if !c.enabled {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening evidence file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("building attachment form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("reading evidence file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing attachment form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/api/2/issue/%s/attachments",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(issueID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fmt.Errorf("building attach request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	// Jira rejects attachment posts without this header.
	req.Header.Set("X-Atlassian-Token", "no-check")
	c.authorize(req)

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("tracker attach: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.APIToken)
	} else if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
}

// do executes the request, enforces a 2xx status and decodes the body into
// out when non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := string(body)
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, excerpt)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Package agora is a Go client for the Agora governance REST API.
package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Dispatches that wait on the council can take longer, so
// callers relying on consensus should pass their own client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Agora REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient instantiates a client for the Agora API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges a username and password for a token pair and stores
// the access token for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	return c.token(ctx, map[string]string{
		"grant_type": "password",
		"username":   username,
		"password":   password,
	})
}

// Refresh trades a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	return c.token(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

func (c *Client) token(ctx context.Context, payload map[string]string) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, payload, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Dispatch submits an action for governance and routing.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	var result DispatchResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/dispatch", nil, req, &result); err != nil {
		return DispatchResult{}, err
	}
	return result, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.AgentID != "" {
		query.Set("agent", filter.AgentID)
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var tasks []Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReportResult records the outcome of a running task.
func (c *Client) ReportResult(ctx context.Context, taskID string, result TaskResult) (Task, error) {
	var t Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/result"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, result, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// CancelTask cancels a live task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/cancel"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, struct{}{}, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Stats returns queue counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Proposals lists open proposals, or every proposal when all is true.
func (c *Client) Proposals(ctx context.Context, all bool) ([]Proposal, error) {
	query := url.Values{}
	if all {
		query.Set("status", "all")
	}
	var proposals []Proposal
	if err := c.send(ctx, http.MethodGet, "/api/v1/proposals", query, nil, &proposals); err != nil {
		return nil, err
	}
	return proposals, nil
}

// GetProposal fetches a proposal by identifier.
func (c *Client) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var p Proposal
	if err := c.send(ctx, http.MethodGet, "/api/v1/proposals/"+url.PathEscape(proposalID), nil, nil, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Propose opens a council proposal.
func (c *Client) Propose(ctx context.Context, req ProposalRequest) (Proposal, error) {
	var p Proposal
	if err := c.send(ctx, http.MethodPost, "/api/v1/proposals", nil, req, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Vote casts or replaces a ballot. agentID is ignored by servers that
// authenticate callers.
func (c *Client) Vote(ctx context.Context, proposalID, agentID, choice, reasoning string) (Proposal, error) {
	payload := map[string]string{"agent_id": agentID, "choice": choice}
	if reasoning != "" {
		payload["reasoning"] = reasoning
	}
	var p Proposal
	endpoint := "/api/v1/proposals/" + url.PathEscape(proposalID) + "/votes"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, payload, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Resolve forces a proposal to a decision.
func (c *Client) Resolve(ctx context.Context, proposalID string) (Decision, error) {
	var d Decision
	endpoint := "/api/v1/proposals/" + url.PathEscape(proposalID) + "/resolve"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, struct{}{}, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// ReportOutcome tells the council whether an approved proposal worked out.
func (c *Client) ReportOutcome(ctx context.Context, proposalID string, success bool) error {
	endpoint := "/api/v1/proposals/" + url.PathEscape(proposalID) + "/outcome"
	return c.send(ctx, http.MethodPost, endpoint, nil, map[string]bool{"success": success}, nil)
}

// Decisions returns the most recent decisions; limit <= 0 returns all.
func (c *Client) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var decisions []Decision
	if err := c.send(ctx, http.MethodGet, "/api/v1/decisions", query, nil, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// Precedents finds past decisions similar to description.
func (c *Client) Precedents(ctx context.Context, description string) ([]Precedent, error) {
	var precedents []Precedent
	query := url.Values{"q": {description}}
	if err := c.send(ctx, http.MethodGet, "/api/v1/precedents", query, nil, &precedents); err != nil {
		return nil, err
	}
	return precedents, nil
}

// Suggestions asks the predictive engine about description. action may be
// empty.
func (c *Client) Suggestions(ctx context.Context, description, action string) ([]Suggestion, error) {
	query := url.Values{"q": {description}}
	if action != "" {
		query.Set("action", action)
	}
	var suggestions []Suggestion
	if err := c.send(ctx, http.MethodGet, "/api/v1/suggestions", query, nil, &suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}

// SuggestionFeedback marks a suggestion as accurate or not.
func (c *Client) SuggestionFeedback(ctx context.Context, suggestionID string, accurate bool) error {
	endpoint := "/api/v1/suggestions/" + url.PathEscape(suggestionID) + "/feedback"
	return c.send(ctx, http.MethodPost, endpoint, nil, map[string]bool{"accurate": accurate}, nil)
}

// SuggestionAccuracy returns aggregated feedback.
func (c *Client) SuggestionAccuracy(ctx context.Context) (Accuracy, error) {
	var acc Accuracy
	if err := c.send(ctx, http.MethodGet, "/api/v1/suggestions/accuracy", nil, nil, &acc); err != nil {
		return Accuracy{}, err
	}
	return acc, nil
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents", nil, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// AgentStats returns an agent's voting record.
func (c *Client) AgentStats(ctx context.Context, agentID string) (AgentStats, error) {
	var stats AgentStats
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/stats"
	if err := c.send(ctx, http.MethodGet, endpoint, nil, nil, &stats); err != nil {
		return AgentStats{}, err
	}
	return stats, nil
}

// SetAvailability toggles whether an agent receives new work.
func (c *Client) SetAvailability(ctx context.Context, agentID string, available bool) (Agent, error) {
	var a Agent
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/availability"
	if err := c.send(ctx, http.MethodPut, endpoint, nil, map[string]bool{"available": available}, &a); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// ConstitutionHealth summarises recent verdicts.
func (c *Client) ConstitutionHealth(ctx context.Context) (ConstitutionHealth, error) {
	var health ConstitutionHealth
	if err := c.send(ctx, http.MethodGet, "/api/v1/constitution/health", nil, nil, &health); err != nil {
		return ConstitutionHealth{}, err
	}
	return health, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	// 服务端可能未启用认证，没有令牌时直接发送。
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

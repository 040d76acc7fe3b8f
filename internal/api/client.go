package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"coursechat/internal/config"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

const (
	// requestTimeout bounds plain JSON calls. Chat streams have no timeout
	// at this layer; callers cancel them through the context.
	requestTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response we keep.
	maxErrorBody = 64 << 10

	sessionCookie = "access_token"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger

	history singleflight.Group
}

func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	c := NewClientWithServer(cfg.Server, logger)
	c.token = cfg.Token
	return c
}

// NewClientWithServer creates an unauthenticated client, used for login.
func NewClientWithServer(server string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Client{
		baseURL:    strings.TrimRight(server, "/"),
		httpClient: &http.Client{Jar: jar},
		logger:     logger,
	}
}

// Token returns the session token the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		// Servers that only read the session cookie still see us.
		if _, err := req.Cookie(sessionCookie); err != nil {
			req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.token})
		}
	}
}

// --- Auth ---

type LoginResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"msg,omitempty"`
}

// Login posts the OAuth2 password form. The token comes from the session
// cookie the server sets, or from the JSON body when it is returned there.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "login request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &NetworkError{Op: "reading login response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPStatusError(resp.StatusCode, body)
	}

	var out LoginResponse
	if len(body) > 0 {
		// The body shape varies between server versions; the cookie is
		// the source of truth.
		_ = json.Unmarshal(body, &out)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			out.AccessToken = strings.TrimPrefix(ck.Value, "Bearer ")
		}
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login succeeded but the server returned no session token")
	}
	c.token = out.AccessToken
	c.logger.Info("logged in", slog.String("server", c.baseURL), slog.String("user", username))
	return &out, nil
}

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"is_admin"`
}

func (c *Client) Me(ctx context.Context) (*UserInfo, error) {
	var u UserInfo
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Chat (streaming) ---

type chatRequest struct {
	Message string `json:"message"`
}

// OpenChatStream posts message to the chapter's chat endpoint and returns
// the SSE body. The caller owns the returned body and must close it;
// cancelling ctx aborts the connection and any blocked read.
func (c *Client) OpenChatStream(ctx context.Context, chapterID, message string) (io.ReadCloser, error) {
	body, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/"+url.PathEscape(chapterID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, true)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("opening chat stream",
		slog.String("chapter_id", chapterID),
		slog.Int("message_length", len(message)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "sending chat request", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := newHTTPStatusError(resp.StatusCode, errBody)
		c.logger.Warn("chat request rejected",
			slog.Int("status", se.Status),
			slog.String("detail", se.Message()))
		return nil, se
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &NetworkError{Op: "response body is not readable"}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		c.logger.Warn("unexpected chat content type", slog.String("content_type", ct))
	}
	return resp.Body, nil
}

// --- Chat history ---

type HistoryMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatHistory returns prior messages for a chapter. Identical concurrent
// calls share one request. The shared request is detached from any single
// caller's ctx, so a caller that gives up only stops its own wait.
func (c *Client) ChatHistory(ctx context.Context, courseID, chapterID string) ([]HistoryMessage, error) {
	path := "/chat/history/" + url.PathEscape(courseID) + "/" + url.PathEscape(chapterID)
	ch := c.history.DoChan(path, func() (any, error) {
		var msgs []HistoryMessage
		// doJSON still bounds the request with requestTimeout.
		if err := c.doJSON(context.WithoutCancel(ctx), http.MethodGet, path, nil, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("chat history request shared", slog.String("path", path))
	}
	msgs, ok := res.Val.([]HistoryMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected history result type %T", res.Val)
	}
	// Callers may mutate the slice; don't hand out the shared one.
	return append([]HistoryMessage(nil), msgs...), nil
}

// --- Courses ---

type CourseInfo struct {
	CourseID              int    `json:"course_id"`
	Title                 string `json:"title"`
	Description           string `json:"description"`
	Status                string `json:"status"`
	TotalTimeHours        int    `json:"total_time_hours"`
	ChapterCount          int    `json:"chapter_count"`
	CompletedChapterCount int    `json:"completed_chapter_count"`
	IsPublic              bool   `json:"is_public"`
	CreatedAt             string `json:"created_at"`
}

func (c *Client) GetCourse(ctx context.Context, courseID string) (*CourseInfo, error) {
	var ci CourseInfo
	if err := c.doJSON(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID), nil, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

type Question struct {
	ID       int      `json:"id"`
	Type     string   `json:"type"`
	Question string   `json:"question"`
	Answers  []string `json:"answers,omitempty"`
}

// ChapterQuestions lists the quiz questions generated for a chapter. An
// empty list means generation hasn't finished.
func (c *Client) ChapterQuestions(ctx context.Context, courseID, chapterID string) ([]Question, error) {
	var qs []Question
	path := "/chapters/" + url.PathEscape(courseID) + "/chapters/" + url.PathEscape(chapterID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// --- Generic JSON helper ---

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, result any) error {
	var bodyReader io.Reader
	if reqBody != nil && method != http.MethodGet {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, bodyReader != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newHTTPStatusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

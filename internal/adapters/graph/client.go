package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"teamsbridge/pkg/httputil"
)

var (
	// ErrAuthRequired means no usable token could be obtained, or the API rejected a freshly refreshed one.
	ErrAuthRequired = errors.New("graph: authentication required")
	// ErrTransient means the request did not complete (network error, timeout, cancelled wait).
	ErrTransient = errors.New("graph: transient failure")
)

// APIError is a non-success response from the Graph API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// TokenSource supplies bearer tokens.
// Refresh is called at most once per request, after the API answers 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Options tunes the client.
type Options struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables client-side throttling
	Burst     int
}

// Client calls the Microsoft Graph REST API on behalf of the authorized account.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
}

// NewClient creates a Graph client rooted at baseURL, e.g. https://graph.microsoft.com/v1.0.
func NewClient(baseURL string, tokens TokenSource, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Graph baseURL cannot be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("Graph token source cannot be nil")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	client := httputil.NewDefaultRestyClient(opts.Timeout).
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")

	log.Info().Str("baseURL", baseURL).Float64("rateLimit", opts.RateLimit).Msg("Graph client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		tokens:     tokens,
		limiter:    limiter,
	}, nil
}

// UserBind is the odata bind reference for a directory user.
func (c *Client) UserBind(userID string) string {
	return fmt.Sprintf("%s/users('%s')", c.baseURL, userID)
}

// do sends one request with a bearer token. On a 401 it refreshes the token once and retries once.
// It returns the response for any other status; callers decide what a non-2xx means.
func (c *Client) do(ctx context.Context, op, method, path string, prepare func(*resty.Request)) (*resty.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", op, err)
	}

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("graph %s: %w: %w", op, ErrTransient, err)
			}
		}

		req := c.httpClient.R().SetContext(ctx).SetAuthToken(token)
		if prepare != nil {
			prepare(req)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			log.Error().Err(err).Str("op", op).Str("url", path).Msg("Graph API: request failed")
			return nil, fmt.Errorf("graph %s request failed: %w: %w", op, ErrTransient, err)
		}

		if resp.StatusCode() != http.StatusUnauthorized {
			return resp, nil
		}
		if attempt > 0 {
			log.Error().Str("op", op).Str("url", path).Msg("Graph API: still unauthorized after token refresh")
			return nil, fmt.Errorf("graph %s: %w", op, ErrAuthRequired)
		}

		log.Warn().Str("op", op).Str("url", path).Msg("Graph API: unauthorized, refreshing token and retrying once")
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", op, err)
		}
	}
}

// apiError logs a non-success response and converts it to an *APIError.
func apiError(op, path string, resp *resty.Response) error {
	log.Error().Str("op", op).Str("url", path).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Graph API: returned an error")
	return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
}

// Me returns the authorized account.
func (c *Client) Me(ctx context.Context) (*User, error) {
	const op, path = "Me", "/me"
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetResult(&User{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*User), nil
}

// GetUser looks a user up by object id or email. A missing user yields nil, nil.
func (c *Client) GetUser(ctx context.Context, idOrEmail string) (*User, error) {
	const op = "GetUser"
	path := "/users/" + url.PathEscape(idOrEmail)
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetResult(&User{})
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		log.Info().Str("user", idOrEmail).Msg("Graph user not found")
		return nil, nil
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*User), nil
}

// ListUsers walks every page of the directory.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	const op = "ListUsers"
	var users []User
	path := "/users"
	for first := true; path != ""; first = false {
		page := userPage{}
		resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
			if first {
				r.SetQueryParams(map[string]string{
					"$select": "id,displayName,mail,userPrincipalName",
					"$top":    "999",
				})
			}
			r.SetResult(&page)
		})
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, apiError(op, path, resp)
		}
		users = append(users, page.Value...)
		// nextLink is absolute; resty leaves absolute URLs alone.
		path = page.NextLink
	}
	log.Info().Int("count", len(users)).Msg("Fetched directory users")
	return users, nil
}

// CreateChat creates a group chat with every member as owner.
func (c *Client) CreateChat(ctx context.Context, topic string, memberIDs []string) (*Chat, error) {
	const op, path = "CreateChat", "/chats"
	payload := createChatRequest{ChatType: "group", Topic: topic}
	for _, id := range memberIDs {
		payload.Members = append(payload.Members, conversationMember{
			ODataType: aadUserConversationMember,
			Roles:     []string{"owner"},
			UserBind:  c.UserBind(id),
		})
	}
	resp, err := c.do(ctx, op, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(payload).SetResult(&Chat{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	chat := resp.Result().(*Chat)
	log.Info().Str("chatID", chat.ID).Int("members", len(memberIDs)).Msg("Successfully created Teams chat")
	return chat, nil
}

// ListChats returns the chats of the authorized account.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	const op, path = "ListChats", "/chats"
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetResult(&chatList{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*chatList).Value, nil
}

// ProbeChats fetches a single chat to check the Chat.Read permission.
func (c *Client) ProbeChats(ctx context.Context) error {
	const op, path = "ProbeChats", "/chats"
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetQueryParam("$top", "1")
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(op, path, resp)
	}
	return nil
}

// ListChatMembers returns the members of a chat.
func (c *Client) ListChatMembers(ctx context.Context, chatID string) ([]ChatMember, error) {
	const op = "ListChatMembers"
	path := "/chats/" + url.PathEscape(chatID) + "/members"
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetResult(&memberList{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*memberList).Value, nil
}

// AddChatMember adds a directory user to a chat as owner.
func (c *Client) AddChatMember(ctx context.Context, chatID, userID string) error {
	const op = "AddChatMember"
	path := "/chats/" + url.PathEscape(chatID) + "/members"
	payload := conversationMember{
		ODataType: aadUserConversationMember,
		Roles:     []string{"owner"},
		UserBind:  c.UserBind(userID),
	}
	resp, err := c.do(ctx, op, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(payload)
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(op, path, resp)
	}
	log.Info().Str("chatID", chatID).Str("userID", userID).Msg("Added member to Teams chat")
	return nil
}

// SendChatMessage posts an HTML message to a chat.
func (c *Client) SendChatMessage(ctx context.Context, chatID, html string) (*ChatMessage, error) {
	const op = "SendChatMessage"
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	return c.postMessage(ctx, op, path, html)
}

// SendChannelMessage posts an HTML message to a team channel.
func (c *Client) SendChannelMessage(ctx context.Context, teamID, channelID, html string) (*ChatMessage, error) {
	const op = "SendChannelMessage"
	path := "/teams/" + url.PathEscape(teamID) + "/channels/" + url.PathEscape(channelID) + "/messages"
	return c.postMessage(ctx, op, path, html)
}

func (c *Client) postMessage(ctx context.Context, op, path, html string) (*ChatMessage, error) {
	payload := messageRequest{Body: ItemBody{ContentType: "html", Content: html}}
	resp, err := c.do(ctx, op, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(payload).SetResult(&ChatMessage{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*ChatMessage), nil
}

// ListChatMessages returns up to top of the most recent messages in a chat.
func (c *Client) ListChatMessages(ctx context.Context, chatID string, top int) ([]ChatMessage, error) {
	const op = "ListChatMessages"
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetQueryParam("$top", fmt.Sprint(top)).SetResult(&messageList{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*messageList).Value, nil
}

// CreateOnlineMeeting schedules a meeting owned by the authorized account.
func (c *Client) CreateOnlineMeeting(ctx context.Context, req MeetingRequest) (*OnlineMeeting, error) {
	const op, path = "CreateOnlineMeeting", "/me/onlineMeetings"
	resp, err := c.do(ctx, op, resty.MethodPost, path, func(r *resty.Request) {
		r.SetBody(req).SetResult(&OnlineMeeting{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	m := resp.Result().(*OnlineMeeting)
	log.Info().Str("meetingID", m.ID).Str("subject", req.Subject).Msg("Successfully created online meeting")
	return m, nil
}

// GetOnlineMeeting loads a meeting by id.
func (c *Client) GetOnlineMeeting(ctx context.Context, meetingID string) (*OnlineMeeting, error) {
	const op = "GetOnlineMeeting"
	path := "/me/onlineMeetings/" + url.PathEscape(meetingID)
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetResult(&OnlineMeeting{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*OnlineMeeting), nil
}

// FindOnlineMeetingByJoinURL resolves a meeting from its join link. No match yields nil, nil.
func (c *Client) FindOnlineMeetingByJoinURL(ctx context.Context, joinURL string) (*OnlineMeeting, error) {
	const op, path = "FindOnlineMeetingByJoinURL", "/me/onlineMeetings"
	filter := fmt.Sprintf("JoinWebUrl eq '%s'", strings.ReplaceAll(joinURL, "'", "''"))
	resp, err := c.do(ctx, op, resty.MethodGet, path, func(r *resty.Request) {
		r.SetQueryParam("$filter", filter).SetResult(&meetingList{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	list := resp.Result().(*meetingList)
	if len(list.Value) == 0 {
		return nil, nil
	}
	return &list.Value[0], nil
}

// UpdateOnlineMeeting patches a meeting.
func (c *Client) UpdateOnlineMeeting(ctx context.Context, meetingID string, patch MeetingPatch) (*OnlineMeeting, error) {
	const op = "UpdateOnlineMeeting"
	path := "/me/onlineMeetings/" + url.PathEscape(meetingID)
	resp, err := c.do(ctx, op, resty.MethodPatch, path, func(r *resty.Request) {
		r.SetBody(patch).SetResult(&OnlineMeeting{})
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(op, path, resp)
	}
	return resp.Result().(*OnlineMeeting), nil
}

// DeleteOnlineMeeting removes a meeting. A meeting that is already gone counts as deleted.
func (c *Client) DeleteOnlineMeeting(ctx context.Context, meetingID string) error {
	const op = "DeleteOnlineMeeting"
	path := "/me/onlineMeetings/" + url.PathEscape(meetingID)
	resp, err := c.do(ctx, op, resty.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		log.Info().Str("meetingID", meetingID).Msg("Online meeting already deleted")
		return nil
	}
	if resp.IsError() {
		return apiError(op, path, resp)
	}
	return nil
}

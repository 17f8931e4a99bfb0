// Package zoom implements meetings.Provider on top of the Zoom REST API,
// authenticating as a server-to-server OAuth app.
package zoom

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/meetings"
)

const (
	defaultBaseURL    = "https://api.zoom.us/v2"
	defaultAuthURL    = "https://zoom.us/oauth/token"
	defaultRetryAfter = 60 * time.Second

	// Zoom rejects passcodes longer than 10 characters.
	passwordLength  = 10
	passwordCharset = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	scheduledMeeting = 2
)

// Client talks to the Zoom API.
type Client struct {
	accountID    string
	clientID     string
	clientSecret string
	baseURL      string
	authURL      string
	httpClient   *http.Client
	logger       *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Config holds the Zoom client configuration.
type Config struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	BaseURL      string // default: https://api.zoom.us/v2
	AuthURL      string // default: https://zoom.us/oauth/token
	Timeout      time.Duration
}

// NewClient creates a new Zoom API client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AccountID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("zoom account id, client id and client secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Client{
		accountID:    cfg.AccountID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		authURL:      cfg.AuthURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// ---- Zoom API types ----

type meetingRequest struct {
	Topic     string          `json:"topic"`
	Type      int             `json:"type"`
	StartTime string          `json:"start_time"`
	Duration  int             `json:"duration"`
	Timezone  string          `json:"timezone,omitempty"`
	Password  string          `json:"password,omitempty"`
	Settings  meetingSettings `json:"settings"`
}

type meetingSettings struct {
	AlternativeHosts              string `json:"alternative_hosts,omitempty"`
	AlternativeHostsEmailNotify   bool   `json:"alternative_hosts_email_notification"`
	AutoRecording                 string `json:"auto_recording"`
	JoinBeforeHost                bool   `json:"join_before_host"`
	MuteUponEntry                 bool   `json:"mute_upon_entry"`
	ParticipantVideo              bool   `json:"participant_video"`
	WaitingRoom                   bool   `json:"waiting_room"`
	MeetingAuthentication         bool   `json:"meeting_authentication"`
	PushChangeToCalendar          bool   `json:"push_change_to_calendar"`
	ContinuousMeetingChat         bool   `json:"continuous_meeting_chat"`
	RegistrantsConfirmationEmails bool   `json:"registrants_confirmation_email"`
}

type meetingResponse struct {
	ID       int64  `json:"id"`
	JoinURL  string `json:"join_url"`
	Password string `json:"password"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// ---- meetings.Provider ----

// CreateMeeting schedules m under its host user, or under the app's own user
// when no host was assigned.
func (c *Client) CreateMeeting(ctx context.Context, m *db.Meeting) (*db.ProviderMeeting, error) {
	host := "me"
	if m.ProviderHostUser != nil && *m.ProviderHostUser != "" {
		host = *m.ProviderHostUser
	}

	req, err := c.meetingRequest(m)
	if err != nil {
		return nil, err
	}

	var resp meetingResponse
	if err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(host)+"/meetings", req, &resp); err != nil {
		return nil, err
	}

	c.logger.Info("zoom meeting created",
		zap.Int64("zoom_meeting_id", resp.ID),
		zap.String("host", host),
	)

	return toProviderMeeting(resp), nil
}

// UpdateMeeting replaces the scheduling fields of an existing meeting.
func (c *Client) UpdateMeeting(ctx context.Context, providerMeetingID string, m *db.Meeting) error {
	req, err := c.meetingRequest(m)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, "/meetings/"+url.PathEscape(providerMeetingID), req, nil)
}

// DeleteMeeting removes a meeting without notifying its registrants.
func (c *Client) DeleteMeeting(ctx context.Context, providerMeetingID string) error {
	path := "/meetings/" + url.PathEscape(providerMeetingID) + "?schedule_for_reminder=false"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetMeeting fetches the provider-owned fields of a meeting.
func (c *Client) GetMeeting(ctx context.Context, providerMeetingID string) (*db.ProviderMeeting, error) {
	var resp meetingResponse
	if err := c.do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(providerMeetingID), nil, &resp); err != nil {
		return nil, err
	}
	return toProviderMeeting(resp), nil
}

func toProviderMeeting(resp meetingResponse) *db.ProviderMeeting {
	pm := &db.ProviderMeeting{
		ID:      strconv.FormatInt(resp.ID, 10),
		JoinURL: resp.JoinURL,
	}
	if resp.Password != "" {
		pw := resp.Password
		pm.Password = &pw
	}
	return pm
}

func (c *Client) meetingRequest(m *db.Meeting) (*meetingRequest, error) {
	req := &meetingRequest{
		Topic:     m.Topic,
		Type:      scheduledMeeting,
		StartTime: m.StartsAt.UTC().Format("2006-01-02T15:04:05Z"),
		Duration:  int(m.Duration / time.Minute),
		Timezone:  m.Timezone,
		Settings: meetingSettings{
			AlternativeHosts: strings.Join(m.Hosts, ";"),
			AutoRecording:    "cloud",
			JoinBeforeHost:   false,
			MuteUponEntry:    true,
			ParticipantVideo: false,
			WaitingRoom:      false,
		},
	}

	if m.RequiresPassword {
		if m.Password != nil && *m.Password != "" {
			req.Password = *m.Password
		} else {
			pw, err := generatePassword()
			if err != nil {
				return nil, meetings.ClientError("generate password: %v", err)
			}
			req.Password = pw
		}
	}

	return req, nil
}

func generatePassword() (string, error) {
	max := big.NewInt(int64(len(passwordCharset)))
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = passwordCharset[n.Int64()]
	}
	return string(b), nil
}

// ---- transport ----

// do sends an authenticated request and maps failures onto the provider
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return meetings.ClientError("marshal request: %v", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return meetings.ClientError("create request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return meetings.NetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return meetings.NetworkError(err)
	}

	if perr := c.classify(resp, respBody); perr != nil {
		c.logger.Debug("zoom request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(perr),
		)
		return perr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return meetings.ServerError("parse response: %v", err)
		}
	}

	return nil
}

func (c *Client) classify(resp *http.Response, body []byte) *meetings.ProviderError {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	msg := http.StatusText(status)
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg = fmt.Sprintf("%s (code %d)", apiErr.Message, apiErr.Code)
	}

	switch {
	case status == http.StatusUnauthorized:
		c.invalidateToken()
		return meetings.TokenError("%s", msg)
	case status == http.StatusNotFound:
		return meetings.NotFoundError()
	case status == http.StatusTooManyRequests:
		return meetings.RateLimitError(parseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
	case status >= 500:
		return meetings.ServerError("%d: %s", status, msg)
	default:
		return meetings.ClientError("%d: %s", status, msg)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// accessToken returns the cached token, fetching a new one when it is about
// to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "account_credentials")
	form.Set("account_id", c.accountID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", meetings.TokenError("create token request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", meetings.NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", meetings.TokenError("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", meetings.TokenError("parse token response: %v", err)
	}
	if tok.AccessToken == "" {
		return "", meetings.TokenError("token endpoint returned no access token")
	}

	// Refresh a minute early so a token never expires mid-request.
	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	if ttl <= 0 {
		ttl = time.Duration(tok.ExpiresIn) * time.Second
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(ttl)

	c.logger.Debug("zoom access token refreshed", zap.Duration("ttl", ttl))

	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

var _ meetings.Provider = (*Client)(nil)

// Package client is the Go SDK for the gnssbus HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Record a command before it goes to the terminal
//	cmd, err := c.CreateCmd(ctx, &client.Cmd{SimNo: "13800000001", MsgID: "8103"})
//
//	// Report progress from the gateway
//	_, err = c.MarkSent(ctx, cmd.ID, time.Now(), &sn)
//	_, err = c.MarkAck(ctx, cmd.ID, client.Ack{Tm: time.Now(), Code: &code})
//
//	// Follow state changes
//	events, err := c.Stream(ctx, client.TopicTermCmdStateChanged)
//	for ev := range events {
//	    handle(ev)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Topic names accepted by the event endpoints.
const (
	TopicTermCmd             = "TermCmd"
	TopicTermCmdStateChanged = "TermCmdStateChanged"
	TopicOnlineOfflineNotif  = "OnlineOfflineNotif"
	TopicEvent               = "Event"
	TopicCmdAsyncCompleted   = "CmdAsyncCompleted"
	TopicFetchAlmAttReq      = "FetchAlmAttReq"
)

// Command statuses.
const (
	StatusCreated    = 0
	StatusSent       = 1
	StatusAck        = 2
	StatusTimeout    = 3
	StatusSendFailed = 4
	StatusOffline    = 5
	StatusCancelled  = 6
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the gnssbus server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Code       int    // domain error code, 0 when absent
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gnssbus: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (already exists) from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsInvalid reports whether the server rejected the request parameters.
func IsInvalid(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the gnssbus API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the gnssbus server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://gnssbus.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Types ────────────────────────────────────────────────────────────────────

// Cmd is a terminal command record. Times are Unix milliseconds.
type Cmd struct {
	ID         string `json:"id,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	AppID      string `json:"appId,omitempty"`
	SimNo      string `json:"simNo"`
	MsgID      string `json:"msgId,omitempty"`
	SubCmdTyp  string `json:"subCmdTyp,omitempty"`
	ReqID      string `json:"reqId,omitempty"`
	PlateNo    string `json:"plateNo,omitempty"`
	PlateColor *int   `json:"plateColor,omitempty"`

	Status int    `json:"status"`
	ReqTm  int64  `json:"reqTm,omitempty"`
	SentTm *int64 `json:"sentTm,omitempty"`
	AckTm  *int64 `json:"ackTm,omitempty"`
	EndTm  *int64 `json:"endTm,omitempty"`

	MsgSn     *int            `json:"msgSn,omitempty"`
	AckMsgID  string          `json:"ackMsgId,omitempty"`
	AckSeqNo  *int            `json:"ackSeqNo,omitempty"`
	AckCode   *int            `json:"ackCode,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	AckParams json.RawMessage `json:"ackParams,omitempty"`
}

// Ack carries a terminal's acknowledgement. A zero Tm means "now" on the server.
type Ack struct {
	Tm     time.Time
	MsgID  string
	SeqNo  *int
	Code   *int
	Params json.RawMessage
}

// Instance is one live gnssbus process.
type Instance struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	StartedAt int64  `json:"startedAt"`
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
}

// Event is one frame received from Stream.
type Event struct {
	Topic   string          `json:"topic"`
	Tm      int64           `json:"tm"`
	Data    json.RawMessage `json:"data"`
	Dropped int             `json:"dropped,omitempty"`
}

// Health is the server's /health reply.
type Health struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Commands ─────────────────────────────────────────────────────────────────

// CreateOption configures a single CreateCmd call.
type CreateOption func(*createPayload)

// WithPublish overrides the server's publish_created setting for this command.
func WithPublish(publish bool) CreateOption {
	return func(p *createPayload) { p.Publish = &publish }
}

// CreateCmd records a new command. The server assigns ID and ReqTm when they
// are empty. A duplicate ID fails with a conflict.
func (c *Client) CreateCmd(ctx context.Context, cmd *Cmd, opts ...CreateOption) (*Cmd, error) {
	if cmd == nil {
		return nil, errors.New("gnssbus: cmd must not be nil")
	}
	p := &createPayload{Cmd: *cmd}
	for _, o := range opts {
		o(p)
	}
	var out Cmd
	if err := c.do(ctx, http.MethodPost, "/cmds", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCmd returns the cached command. Expired or unknown ids report a 404.
func (c *Client) GetCmd(ctx context.Context, id string) (*Cmd, error) {
	var out Cmd
	if err := c.do(ctx, http.MethodGet, "/cmds/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStoredCmd returns the durable row for id, which outlives the cache.
func (c *Client) GetStoredCmd(ctx context.Context, id string) (*Cmd, error) {
	var out Cmd
	if err := c.do(ctx, http.MethodGet, "/cmds/"+url.PathEscape(id)+"?source=store", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCmdByExternalID returns the cached command by its caller-supplied id.
func (c *Client) GetCmdByExternalID(ctx context.Context, externalID string) (*Cmd, error) {
	var out Cmd
	if err := c.do(ctx, http.MethodGet, "/cmds/external/"+url.PathEscape(externalID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSent reports that the command went out to the terminal.
// A zero sentAt means "now" on the server.
func (c *Client) MarkSent(ctx context.Context, id string, sentAt time.Time, msgSn *int) (*Cmd, error) {
	p := markSentPayload{SentTm: unixMilli(sentAt), MsgSn: msgSn}
	var out Cmd
	if err := c.do(ctx, http.MethodPost, "/cmds/"+url.PathEscape(id)+"/sent", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAck reports the terminal's acknowledgement.
func (c *Client) MarkAck(ctx context.Context, id string, ack Ack) (*Cmd, error) {
	p := markAckPayload{
		AckTm:     unixMilli(ack.Tm),
		AckMsgID:  ack.MsgID,
		AckSeqNo:  ack.SeqNo,
		AckCode:   ack.Code,
		AckParams: ack.Params,
	}
	var out Cmd
	if err := c.do(ctx, http.MethodPost, "/cmds/"+url.PathEscape(id)+"/ack", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkCompleted ends the command with a completed status other than
// StatusAck (timeout, send failed, offline, cancelled).
func (c *Client) MarkCompleted(ctx context.Context, id string, status int, endAt time.Time) (*Cmd, error) {
	p := markCompletedPayload{Status: status, EndTm: unixMilli(endAt)}
	var out Cmd
	if err := c.do(ctx, http.MethodPost, "/cmds/"+url.PathEscape(id)+"/completed", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Events ───────────────────────────────────────────────────────────────────

// Publish sends an event body to topic. The server stamps tm when absent.
func (c *Client) Publish(ctx context.Context, topic string, event any) error {
	return c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/events", event, nil)
}

// Listeners returns how many listeners the server's bus holds for topic.
func (c *Client) Listeners(ctx context.Context, topic string) (int, error) {
	var out struct {
		Listeners int `json:"listeners"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics/"+url.PathEscape(topic)+"/listeners", nil, &out); err != nil {
		return 0, err
	}
	return out.Listeners, nil
}

// Stream opens a WebSocket to topic and returns a channel of events. The
// channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, topic string) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/topics/" + url.PathEscape(topic) + "/ws")
	if err != nil {
		return nil, fmt.Errorf("gnssbus: stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("gnssbus: dial %s: %w", u, err)
	}

	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers a webhook for topic. When secret is non-empty each push
// carries an X-GnssBus-Signature HMAC-SHA256 header.
func (c *Client) Subscribe(ctx context.Context, topic, webhookURL, secret string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	p := subscribePayload{URL: webhookURL, Secret: secret}
	if err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/subscriptions", p, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Subscriptions lists the webhooks registered on the server.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// Unsubscribe removes a webhook.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Cluster / health ─────────────────────────────────────────────────────────

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instances lists the live gnssbus processes known to the server.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/instances", nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gnssbus: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("gnssbus: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gnssbus: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return decodeAPIError(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("gnssbus: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("gnssbus: decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	_ = json.Unmarshal(respBody, &errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Code: errResp.Code, Message: msg}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type createPayload struct {
	Cmd
	Publish *bool `json:"publish,omitempty"`
}

type markSentPayload struct {
	SentTm int64 `json:"sentTm,omitempty"`
	MsgSn  *int  `json:"msgSn,omitempty"`
}

type markAckPayload struct {
	AckTm     int64           `json:"ackTm,omitempty"`
	AckMsgID  string          `json:"ackMsgId,omitempty"`
	AckSeqNo  *int            `json:"ackSeqNo,omitempty"`
	AckCode   *int            `json:"ackCode,omitempty"`
	AckParams json.RawMessage `json:"ackParams,omitempty"`
}

type markCompletedPayload struct {
	Status int   `json:"status"`
	EndTm  int64 `json:"endTm,omitempty"`
}

type subscribePayload struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Package twilio adapts the agent to Twilio Programmable Voice. It places
// outbound calls through the REST API, renders call instructions as TwiML,
// converts webhook form posts into call events and validates webhook
// signatures. All Twilio specifics stay inside this package.
//
// Typical usage:
//
//	c, err := twilio.New(twilio.Config{
//		AccountSID: sid, AuthToken: token,
//		From: "+15550100", BaseURL: "https://agent.example",
//	})
//	callID, err := c.Dial(ctx, "+15550199")
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	twilioapi "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/MrWong99/callagent/internal/gateway"
)

// Compile-time interface assertion.
var _ gateway.Dialer = (*Client)(nil)

// Webhook paths the rendered TwiML and the outbound calls point at.
const (
	PathVoice     = "/voice"
	PathRecording = "/recording"
	PathStatus    = "/status"
)

// recordingSuffix selects the WAV rendition of a recording.
const recordingSuffix = ".wav"

// callCreator is the slice of the REST API the dialer needs.
type callCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// Config holds the account and routing settings.
type Config struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio number outbound calls are placed from.
	From string
	// BaseURL is the public URL of this service, without trailing slash.
	BaseURL string
}

// Client places outbound calls. It implements [gateway.Dialer].
type Client struct {
	api     callCreator
	from    string
	baseURL string
}

// New creates a Client backed by the Twilio REST API.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: missing account sid or auth token", gateway.ErrNotConfigured)
	}
	rest := twilioapi.NewRestClientWithParams(twilioapi.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api callCreator, cfg Config) *Client {
	return &Client{
		api:     api,
		from:    cfg.From,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Dial implements [gateway.Dialer]. The REST client has no context support,
// so a cancelled ctx abandons the wait but not a request already sent.
func (c *Client) Dial(ctx context.Context, to string) (string, error) {
	if to == "" || c.from == "" {
		return "", fmt.Errorf("%w: need both a target and a caller number", gateway.ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("twilio: dial: %w", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(c.baseURL + PathVoice)
	params.SetMethod("POST")
	params.SetStatusCallback(c.baseURL + PathStatus)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"completed"})

	type outcome struct {
		sid string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.api.CreateCall(params)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if resp == nil || resp.Sid == nil || *resp.Sid == "" {
			done <- outcome{err: errors.New("response without call sid")}
			return
		}
		done <- outcome{sid: *resp.Sid}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", fmt.Errorf("twilio: dial %s: %w", to, o.err)
		}
		slog.Info("outbound call placed", "call_id", o.sid, "to", to)
		return o.sid, nil
	case <-ctx.Done():
		return "", fmt.Errorf("twilio: dial: %w", ctx.Err())
	}
}

// NewFetcher returns a recording downloader authenticated with the account
// credentials.
func NewFetcher(accountSID, authToken string, opts ...gateway.FetcherOption) *gateway.HTTPFetcher {
	base := []gateway.FetcherOption{
		gateway.WithBasicAuth(accountSID, authToken),
		gateway.WithSuffix(recordingSuffix),
	}
	return gateway.NewHTTPFetcher(append(base, opts...)...)
}

package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokutor-ai/ari-bridge/internal/bridgeerr"
)

const (
	restTimeout    = 10 * time.Second
	retryBackoff   = 100 * time.Millisecond
)

// RESTClient issues the three ARI REST calls the bridge needs, grounded on
// the teacher's plain net/http JSON client style (pkg/providers/llm/openai.go,
// pkg/providers/stt/groq.go) generalized to basic auth and a retry-once
// policy per spec.md §7.
type RESTClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewRESTClient builds a RESTClient against baseURL, authenticated with
// basic auth.
func NewRESTClient(baseURL, username, password string) *RESTClient {
	return &RESTClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: restTimeout},
	}
}

type externalMediaRequest struct {
	App          string `json:"app"`
	ExternalHost string `json:"external_host"`
	Format       string `json:"format"`
	Direction    string `json:"direction"`
}

// AnswerChannel answers channelID, retrying once with backoff on failure.
func (c *RESTClient) AnswerChannel(ctx context.Context, channelID string) error {
	url := fmt.Sprintf("%s/channels/%s/answer", c.baseURL, channelID)
	return c.doWithRetry(ctx, http.MethodPost, url, nil)
}

// StartExternalMedia requests the PBX open a media leg to host using app as
// the stasis application name.
func (c *RESTClient) StartExternalMedia(ctx context.Context, channelID, app, externalHost string) error {
	body, err := json.Marshal(externalMediaRequest{
		App:          app,
		ExternalHost: externalHost,
		Format:       "slin16",
		Direction:    "both",
	})
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.Internal, "marshal externalMedia request", err)
	}
	url := fmt.Sprintf("%s/channels/%s/externalMedia", c.baseURL, channelID)
	return c.doWithRetry(ctx, http.MethodPost, url, body)
}

// HangupChannel hangs up channelID.
func (c *RESTClient) HangupChannel(ctx context.Context, channelID string) error {
	url := fmt.Sprintf("%s/channels/%s", c.baseURL, channelID)
	return c.doWithRetry(ctx, http.MethodDelete, url, nil)
}

// doWithRetry issues the request once, and on failure retries exactly once
// after retryBackoff, per the spec's per-REST-call error policy.
func (c *RESTClient) doWithRetry(ctx context.Context, method, url string, body []byte) error {
	err := c.do(ctx, method, url, body)
	if err == nil {
		return nil
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return bridgeerr.Wrap(bridgeerr.Cancelled, "ari rest call cancelled during retry backoff", ctx.Err())
	}

	if retryErr := c.do(ctx, method, url, body); retryErr != nil {
		return bridgeerr.Wrap(bridgeerr.NetworkUnavailable, fmt.Sprintf("%s %s failed after retry", method, url), retryErr)
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, method, url string, body []byte) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ari rest call returned status %d", resp.StatusCode)
	}
	return nil
}

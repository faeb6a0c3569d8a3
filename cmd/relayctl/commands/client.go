package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/pkg/response"
)

// keysClient talks to the key-service HTTP API
type keysClient struct {
	base  string
	token string
	http  *http.Client
}

func newKeysClient(base, token string) *keysClient {
	return &keysClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *keysClient) keyURL(id string) string {
	return c.base + "/v1/keys/" + url.PathEscape(id)
}

func (c *keysClient) Register(ctx context.Context, id, publicKey string) (*domain.KeyResponse, error) {
	body, err := json.Marshal(domain.KeyUploadRequest{PublicKey: publicKey})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.keyURL(id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *keysClient) Fetch(ctx context.Context, id string) (*domain.KeyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyURL(id), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *keysClient) do(req *http.Request) (*domain.KeyResponse, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var failure response.Response
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != nil {
			return nil, fmt.Errorf("%s: %s", failure.Error.Code, failure.Error.Message)
		}
		return nil, fmt.Errorf("key service returned %s", resp.Status)
	}

	var out domain.KeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode key response: %w", err)
	}
	return &out, nil
}

// dialGateway opens an authenticated session
func dialGateway(ctx context.Context, rawURL, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway refused session: %s", resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

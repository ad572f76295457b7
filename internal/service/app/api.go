package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/repository/keys"

	"github.com/gorilla/websocket"
)

type (
	// DirectoryClient talks to the server key directory over HTTP.
	DirectoryClient struct {
		host   string
		client *http.Client
	}

	// RelayConn is the websocket connection to the relay.
	RelayConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func NewDirectoryClient(host string, client *http.Client) *DirectoryClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &DirectoryClient{host: host, client: client}
}

func (d *DirectoryClient) url(path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   d.host,
		Path:   path,
	}
	return u.String()
}

func (d *DirectoryClient) do(req *http.Request, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusNotFound:
		return keys.ErrUnknownUser
	case http.StatusConflict:
		if req.Method == http.MethodPut {
			return keys.ErrIdentityMismatch
		}
		return keys.ErrNoOneTimeKeys
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *DirectoryClient) Publish(ctx context.Context, bundle *model.KeyBundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.url("/keys/"+bundle.User), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, nil)
}

func (d *DirectoryClient) Claim(ctx context.Context, name string) (*model.ClaimedKeys, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url("/keys/"+name), nil)
	if err != nil {
		return nil, err
	}

	var claimed model.ClaimedKeys
	if err := d.do(req, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (d *DirectoryClient) Count(ctx context.Context, name string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url("/keys/"+name+"/count"), nil)
	if err != nil {
		return 0, err
	}

	var out struct {
		Count int `json:"count"`
	}
	if err := d.do(req, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func DialRelay(ctx context.Context, host, name string) (*RelayConn, error) {
	params := url.Values{
		"userID": []string{name},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &RelayConn{conn: conn}, nil
}

func (r *RelayConn) Send(env *model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteJSON(env)
}

func (r *RelayConn) Receive() (*model.Envelope, error) {
	var env model.Envelope
	if err := r.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *RelayConn) Close() error {
	return r.conn.Close()
}

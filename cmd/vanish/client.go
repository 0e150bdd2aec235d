package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"vanish/svc/api"
)

const codePasswordRequired = "PASSWORD_REQUIRED"

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message + " (" + e.Code + ")"
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(server, token string) *client {
	return &client{
		base:  strings.TrimRight(server, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}
func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStdin*2))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, e)
		return e
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
func (c *client) create(ctx context.Context, req *api.CreateReq) (*api.CreateResp, error) {
	var out api.CreateResp
	if err := c.do(ctx, http.MethodPost, "/secret", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// needsPassword runs the non-consuming probe.
func (c *client) needsPassword(ctx context.Context, id string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/secret/"+url.PathEscape(id)+"/exist", nil, nil)
	var ae *apiError
	if errors.As(err, &ae) && ae.Code == codePasswordRequired {
		return true, nil
	}
	return false, err
}
func (c *client) consume(ctx context.Context, id, password string) (*api.ConsumeResp, error) {
	var out api.ConsumeResp
	in := map[string]string{}
	if password != "" {
		in["password"] = password
	}
	if err := c.do(ctx, http.MethodPost, "/secret/"+url.PathEscape(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// parseLink splits <server>/secret/<id>#<fragment>.
func parseLink(link string) (server, id, fragment string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", "", errors.Wrap(err, "parse link")
	}
	i := strings.LastIndex(u.Path, "/secret/")
	if i < 0 || u.Host == "" {
		return "", "", "", errors.New("not a secret link")
	}
	id = u.Path[i+len("/secret/"):]
	if id == "" || strings.Contains(id, "/") {
		return "", "", "", errors.New("not a secret link")
	}
	if u.Fragment == "" {
		return "", "", "", errors.New("link has no key fragment")
	}
	server = u.Scheme + "://" + u.Host + u.Path[:i]
	return server, id, u.Fragment, nil
}

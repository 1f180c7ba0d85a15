// Package api - Client der fluxmod Node-API.
//
// Dieses Modul enthaelt:
// - Client: Basis-URL und HTTP-Client, ClientFromEnvironment (FLUXMOD_HOST)
// - ObjectInfo, Prompt, History, Heartbeat: Die Endpunkte des Servers
// - checkError: HTTP-Fehler als StatusError
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/ollama/fluxmod/envconfig"
)

// Client encapsulates client state for interacting with the fluxmod
// node server. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	if err := json.Unmarshal(body, &apiError); err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}
	return apiError
}

// ClientFromEnvironment creates a new [Client] for FLUXMOD_HOST:
//
//	<scheme>://<host>:<port>
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("fluxmod (%s %s) Go/%s", runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		dec := json.NewDecoder(bytes.NewReader(respBody))
		dec.UseNumber()
		if err := dec.Decode(respData); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat checks if the server has started and is responsive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}

// ObjectInfo gibt die Beschreibung aller Node-Klassen zurueck
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var info map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/object_info", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Prompt fuehrt einen Graphen aus und wartet auf das Ergebnis
func (c *Client) Prompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.do(ctx, http.MethodPost, "/prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History gibt das gespeicherte Ergebnis eines Prompts zurueck
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var resp map[string]*HistoryEntry
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &resp); err != nil {
		return nil, err
	}
	e, ok := resp[promptID]
	if !ok {
		return nil, StatusError{StatusCode: http.StatusNotFound, ErrorMessage: fmt.Sprintf("prompt %s not found", promptID)}
	}
	return e, nil
}

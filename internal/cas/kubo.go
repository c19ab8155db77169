package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// KuboBackend stores content as raw blocks through an IPFS node's RPC API.
// Raw blocks share the sha2-256 multihash with ComputeCID, so the node can
// serve them back by the same identifier.
type KuboBackend struct {
	api  string
	http *http.Client
}

func NewKuboBackend(apiURL string, httpClient *http.Client) *KuboBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &KuboBackend{api: strings.TrimRight(apiURL, "/"), http: httpClient}
}

func (b *KuboBackend) Put(ctx context.Context, cid string, content []byte) (bool, error) {
	want, err := RawCIDv1(cid)
	if err != nil {
		return false, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("data", cid)
	if err != nil {
		return false, err
	}
	if _, err := part.Write(content); err != nil {
		return false, err
	}
	if err := mw.Close(); err != nil {
		return false, err
	}

	q := url.Values{"cid-codec": {"raw"}, "mhtype": {"sha2-256"}, "pin": {"true"}}
	resp, err := b.post(ctx, "/api/v0/block/put", q, &body, mw.FormDataContentType())
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out struct {
		Key  string `json:"Key"`
		Size int    `json:"Size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode block/put response: %w", err)
	}
	if out.Key != want {
		return false, fmt.Errorf("%w: node stored %s, expected %s", ErrIntegrity, out.Key, want)
	}
	return true, nil
}

func (b *KuboBackend) Get(ctx context.Context, cid string) ([]byte, error) {
	key, err := RawCIDv1(cid)
	if err != nil {
		return nil, err
	}
	resp, err := b.post(ctx, "/api/v0/block/get", url.Values{"arg": {key}}, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *KuboBackend) Pin(ctx context.Context, cid string) error {
	key, err := RawCIDv1(cid)
	if err != nil {
		return err
	}
	resp, err := b.post(ctx, "/api/v0/pin/add", url.Values{"arg": {key}}, nil, "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// post calls the RPC API, which accepts POST only.
func (b *KuboBackend) post(ctx context.Context, path string, q url.Values, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.api+path+"?"+q.Encode(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode == http.StatusInternalServerError && bytes.Contains(msg, []byte("not found")) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, q.Get("arg"))
		}
		return nil, fmt.Errorf("ipfs %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

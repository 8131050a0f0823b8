// Package storagecluster probes the file store behind the gatekeeper.
// The gatekeeper authorizes raw transfers itself; the core only ever asks
// "does this file exist", authenticated with a short-lived internal
// token.
package storagecluster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/mailbox"
)

// Client performs HEAD-style existence checks against the storage
// cluster.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *mailbox.TokenManager
}

// NewClient builds a storage cluster client with a bounded per-call
// timeout.
func NewClient(baseURL string, tokens *mailbox.TokenManager, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Exists reports whether the file named by doc is present. 200 means
// present; 401 and 404 both mean absent (the gatekeeper answers 401 for
// paths it has no record of); anything else is unexpected and fatal.
func (c *Client) Exists(ctx context.Context, doc *contracts.Document) (bool, error) {
	path := doc.ResultPackagePath
	if path == "" {
		path = doc.SourcePackagePath
	}
	if path == "" {
		return false, fmt.Errorf("storagecluster: document for subtask %s names no file", doc.SubtaskID)
	}

	// Internal token, ten-minute lifetime; never expires mid-use.
	token, err := c.tokens.CreateTransferToken(doc, "concent", mailbox.OperationDownload, nil)
	if err != nil {
		return false, fmt.Errorf("storagecluster: failed to mint internal token: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, "download", path)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Golem "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("storagecluster: existence check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("storagecluster: unexpected status %d for %s", resp.StatusCode, path)
	}
}

// Package backend talks to the knowledge-stack backend that materializes
// a provisioned agent identity.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// StartResponse is the backend response to a provisioning request.
type StartResponse struct {
	JobID string `json:"jobId"`
}

// Client implements interfaces.BackendService over the backend REST API.
type Client struct {
	// ServerAddr is the base URL of the backend
	ServerAddr string

	// HTTPClient is used for all requests, http.DefaultClient when nil
	HTTPClient *http.Client
}

// NewClient creates a backend client with a per-request timeout.
func NewClient(serverAddr string, timeout time.Duration) *Client {
	return &Client{
		ServerAddr: strings.TrimSuffix(serverAddr, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// StartProvisioning asks the backend to build the knowledge stack for identityID.
func (c *Client) StartProvisioning(ctx context.Context, identityID string) (string, error) {
	endpoint := fmt.Sprintf("%s/identities/%s/provision", c.ServerAddr, url.PathEscape(identityID))

	var parsed StartResponse
	if err := c.do(ctx, http.MethodPost, endpoint, &parsed); err != nil {
		return "", err
	}
	if parsed.JobID == "" {
		return "", fmt.Errorf("%w: provisioning response has no job id", interfaces.ErrBackendRejected)
	}
	return parsed.JobID, nil
}

// JobStatus returns the current status of a provisioning job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (interfaces.ProvisioningStatus, error) {
	endpoint := fmt.Sprintf("%s/provision-jobs/%s", c.ServerAddr, url.PathEscape(jobID))

	var parsed interfaces.ProvisioningStatus
	if err := c.do(ctx, http.MethodGet, endpoint, &parsed); err != nil {
		return interfaces.ProvisioningStatus{}, err
	}

	switch parsed.Status {
	case interfaces.JobPending, interfaces.JobReady, interfaces.JobFailed:
		return parsed, nil
	default:
		return interfaces.ProvisioningStatus{}, fmt.Errorf("%w: unknown job status %q", interfaces.ErrBackendUnavailable, parsed.Status)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: could not request %s: %v", interfaces.ErrBackendUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: could not parse response: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// statusError classifies non-2xx responses. Client errors are permanent,
// throttling and server errors are transient.
func statusError(code int, body string) error {
	kind := interfaces.ErrBackendUnavailable
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		kind = interfaces.ErrBackendRejected
	}
	if body == "" {
		return fmt.Errorf("%w: backend returned %d", kind, code)
	}
	return fmt.Errorf("%w: backend returned %d: %s", kind, code, body)
}

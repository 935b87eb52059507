// Package twinclient is the breaker-guarded HTTP transport to the
// BaSyx AAS/Submodel repository REST API.
package twinclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mindburn-labs/aegis/pkg/breaker"
	"github.com/mindburn-labs/aegis/pkg/twin"
)

// Error wraps a twin HTTP error, carrying the response status code
// when available (0 for transport-level failures).
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("twinclient: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("twinclient: %s", e.Message)
}

// Client is a thin REST client for the AAS and Submodel repositories.
// It supports split base URLs (separate AAS/SM servers) or a single
// combined server.
type Client struct {
	aasBase string
	smBase  string

	httpClient *http.Client
	breaker    *breaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithBreaker overrides the default breaker instance.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithTimeout sets the per-request client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New builds a Client. submodelBase may equal aasBase for a combined
// deployment.
func New(aasBase, submodelBase string, opts ...Option) *Client {
	c := &Client{
		aasBase:    trimTrailingSlash(aasBase),
		smBase:     trimTrailingSlash(submodelBase),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker.New(breaker.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Breaker exposes the underlying breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// doProtected performs an HTTP request under breaker protection: the
// call is refused outright if the breaker denies execution; 4xx
// responses count as breaker successes, 5xx and transport errors as
// breaker failures.
func (c *Client) doProtected(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	if !c.breaker.CanExecute() {
		return nil, breaker.ErrOpen
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("twinclient: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &Error{Message: err.Error()}
	}
	c.breaker.RecordHTTPStatus(resp.StatusCode, nil)
	return resp, nil
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b
}

// GetShell retrieves an Asset Administration Shell by id.
func (c *Client) GetShell(ctx context.Context, shellID string) (twin.Shell, error) {
	url := fmt.Sprintf("%s/shells/%s", c.aasBase, EncodeID(shellID))
	resp, err := c.doProtected(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return twin.Shell{}, err
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return twin.Shell{}, &Error{Message: "shell not found: " + shellID, StatusCode: 404}
	}
	if resp.StatusCode != http.StatusOK {
		return twin.Shell{}, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	var shell twin.Shell
	if err := json.Unmarshal(body, &shell); err != nil {
		return twin.Shell{}, fmt.Errorf("twinclient: decode shell: %w", err)
	}
	return shell, nil
}

// reference is one entry of a shell's submodel-refs listing.
type reference struct {
	Keys []struct {
		Value string `json:"value"`
	} `json:"keys"`
}

type pagedResult struct {
	Result json.RawMessage `json:"result"`
}

// ListSubmodelRefs returns the submodel ids referenced by shellID.
func (c *Client) ListSubmodelRefs(ctx context.Context, shellID string) ([]string, error) {
	url := fmt.Sprintf("%s/shells/%s/submodel-refs", c.aasBase, EncodeID(shellID))
	resp, err := c.doProtected(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}

	refs, err := decodeList[reference](body)
	if err != nil {
		return nil, fmt.Errorf("twinclient: decode submodel refs: %w", err)
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		for _, k := range r.Keys {
			ids = append(ids, k.Value)
		}
	}
	return ids, nil
}

// GetSubmodel retrieves a submodel by id.
func (c *Client) GetSubmodel(ctx context.Context, submodelID string) (twin.Submodel, error) {
	url := fmt.Sprintf("%s/submodels/%s", c.smBase, EncodeID(submodelID))
	resp, err := c.doProtected(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return twin.Submodel{}, err
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return twin.Submodel{}, &Error{Message: "submodel not found: " + submodelID, StatusCode: 404}
	}
	if resp.StatusCode != http.StatusOK {
		return twin.Submodel{}, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	var sm twin.Submodel
	if err := json.Unmarshal(body, &sm); err != nil {
		return twin.Submodel{}, fmt.Errorf("twinclient: decode submodel: %w", err)
	}
	return sm, nil
}

// FullTwin is the composed result of get_full_twin: a shell plus all
// successfully-fetched referenced submodels. Missing submodels are
// reported in Skipped rather than failing the whole call.
type FullTwin struct {
	Shell     twin.Shell
	Submodels map[string]twin.Submodel
	Skipped   []string
}

// GetFullTwin composes GetShell + ListSubmodelRefs + GetSubmodel for
// each reference, logging and skipping any submodel that cannot be
// fetched (partial success).
func (c *Client) GetFullTwin(ctx context.Context, shellID string) (FullTwin, error) {
	shell, err := c.GetShell(ctx, shellID)
	if err != nil {
		return FullTwin{}, err
	}
	refs, err := c.ListSubmodelRefs(ctx, shellID)
	if err != nil {
		return FullTwin{}, err
	}

	out := FullTwin{Shell: shell, Submodels: make(map[string]twin.Submodel, len(refs))}
	for _, id := range refs {
		sm, err := c.GetSubmodel(ctx, id)
		if err != nil {
			out.Skipped = append(out.Skipped, id)
			continue
		}
		out.Submodels[id] = sm
	}
	return out, nil
}

// InputArgument is one entry of an operation invocation's
// inputArguments array.
type InputArgument struct {
	IDShort string      `json:"idShort"`
	Value   interface{} `json:"value"`
}

// InvokeResult is the decoded response of an operation invocation: a
// synchronous result or an async job handle.
type InvokeResult struct {
	JobID  string          `json:"jobId,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type invokePayload struct {
	InputArguments []InputArgument        `json:"inputArguments"`
	ClientContext  map[string]interface{} `json:"clientContext,omitempty"`
}

// InvokeOperation invokes an operation at path within submodelID,
// posting to $invoke-async when async is true, else $invoke. 200 and
// 202 are both treated as success.
func (c *Client) InvokeOperation(ctx context.Context, submodelID, path string, args []InputArgument, clientContext map[string]interface{}, async bool) (InvokeResult, error) {
	endpoint := "$invoke"
	if async {
		endpoint = "$invoke-async"
	}
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/%s",
		c.smBase, EncodeID(submodelID), EncodeIDShortPath(path), endpoint)

	payload := invokePayload{InputArguments: args, ClientContext: clientContext}
	buf, err := json.Marshal(payload)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("twinclient: encode invoke payload: %w", err)
	}

	resp, err := c.doProtected(ctx, http.MethodPost, url, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return InvokeResult{}, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return InvokeResult{}, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	var result InvokeResult
	if len(body) > 0 {
		_ = json.Unmarshal(body, &result)
	}
	return result, nil
}

// InvokeDelegatedOperation posts directly to an arbitrary delegation
// URL rather than through the standard $invoke path.
func (c *Client) InvokeDelegatedOperation(ctx context.Context, delegationURL string, args []InputArgument, simulate bool) (InvokeResult, error) {
	payload := invokePayload{
		InputArguments: args,
		ClientContext:  map[string]interface{}{"simulate": simulate},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("twinclient: encode delegated payload: %w", err)
	}

	resp, err := c.doProtected(ctx, http.MethodPost, delegationURL, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return InvokeResult{}, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return InvokeResult{}, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	var result InvokeResult
	if len(body) > 0 {
		_ = json.Unmarshal(body, &result)
	}
	return result, nil
}

// JobStatus is the decoded payload of a $result poll.
type JobStatus struct {
	JobID  string          `json:"jobId"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GetJobStatus is the HTTP fallback path for async job status when
// the event bus is stale.
func (c *Client) GetJobStatus(ctx context.Context, submodelID, path, jobID string) (JobStatus, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$result?jobId=%s",
		c.smBase, EncodeID(submodelID), EncodeIDShortPath(path), jobID)

	resp, err := c.doProtected(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return JobStatus{}, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return JobStatus{}, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	var status JobStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return JobStatus{}, fmt.Errorf("twinclient: decode job status: %w", err)
	}
	return status, nil
}

// GetPropertyValue reads a Property's $value.
func (c *Client) GetPropertyValue(ctx context.Context, submodelID, path string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value", c.smBase, EncodeID(submodelID), EncodeIDShortPath(path))
	resp, err := c.doProtected(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	return json.RawMessage(body), nil
}

// SetPropertyValue writes a Property's $value.
func (c *Client) SetPropertyValue(ctx context.Context, submodelID, path string, value interface{}) error {
	url := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value", c.smBase, EncodeID(submodelID), EncodeIDShortPath(path))
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("twinclient: encode value: %w", err)
	}
	resp, err := c.doProtected(ctx, http.MethodPut, url, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &Error{Message: string(body), StatusCode: resp.StatusCode}
	}
	return nil
}

func decodeList[T any](body []byte) ([]T, error) {
	var paged pagedResult
	if err := json.Unmarshal(body, &paged); err == nil && paged.Result != nil {
		var items []T
		if err := json.Unmarshal(paged.Result, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var items []T
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	return items, nil
}

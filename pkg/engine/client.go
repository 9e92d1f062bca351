// Package engine is a client for a Cromwell-compatible workflow
// execution engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/sirupsen/logrus"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// Client talks to the workflow execution engine.
type Client interface {
	// Name identifies the engine in logs and failure accounting.
	Name() string
	Submit(ctx context.Context, req *SubmitRequest) (*JobStatus, error)
	Status(ctx context.Context, id string) (*JobStatus, error)
	Metadata(ctx context.Context, id string, params MetadataParams) (Metadata, error)
	Outputs(ctx context.Context, id string) (map[string]any, error)
	Abort(ctx context.Context, id string) (*JobStatus, error)
}

// SubmitRequest carries the artifacts of one job submission.
type SubmitRequest struct {
	// Source is the workflow document.
	Source []byte
	// Dependencies is an optional zip archive of imported documents.
	Dependencies []byte
	// Inputs is a JSON object of workflow inputs.
	Inputs []byte
	Labels map[string]string
}

// JobStatus is the engine's view of a job.
type JobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MetadataParams filters a metadata query.
type MetadataParams struct {
	IncludeKeys        []string
	ExcludeKeys        []string
	ExpandSubWorkflows bool
}

type outputsResponse struct {
	ID      string         `json:"id"`
	Outputs map[string]any `json:"outputs"`
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	cfg     *config.EngineConfig
	http    *http.Client
	base    string
	timeout time.Duration
}

// NewClient creates an engine client for the configured address.
func NewClient(log logrus.FieldLogger, cfg *config.EngineConfig) Client {
	timeout := cfg.GetTimeout()

	return &client{
		log:     log.WithField("component", "engine"),
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		base:    strings.TrimRight(cfg.Address, "/") + "/api/workflows/" + cfg.APIVersion,
		timeout: timeout,
	}
}

func (c *client) Name() string {
	return "engine"
}

// Submit posts a new job as a multipart form.
func (c *client) Submit(
	ctx context.Context, req *SubmitRequest,
) (*JobStatus, error) {
	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	if err := writeFilePart(mw, "workflowSource", "workflow.wdl", req.Source); err != nil {
		return nil, err
	}

	if len(req.Dependencies) > 0 {
		if err := writeFilePart(
			mw, "workflowDependencies", "dependencies.zip", req.Dependencies,
		); err != nil {
			return nil, err
		}
	}

	if len(req.Inputs) > 0 {
		if err := writeFilePart(mw, "workflowInputs", "inputs.json", req.Inputs); err != nil {
			return nil, err
		}
	}

	fields := map[string]string{
		"workflowType":        c.cfg.WorkflowType,
		"workflowTypeVersion": c.cfg.WorkflowTypeVersion,
	}

	if len(req.Labels) > 0 {
		labels, err := json.Marshal(req.Labels)
		if err != nil {
			return nil, fmt.Errorf("encoding labels: %w", err)
		}

		fields["labels"] = string(labels)
	}

	for _, name := range []string{"workflowType", "workflowTypeVersion", "labels"} {
		value, ok := fields[name]
		if !ok {
			continue
		}

		if err := mw.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("writing %s field: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	var status JobStatus
	if err := c.do(
		ctx, "submit", http.MethodPost, c.base, mw.FormDataContentType(), &body, &status,
	); err != nil {
		return nil, err
	}

	c.log.WithField("job_id", status.ID).
		WithField("status", status.Status).
		Info("Submitted job")

	return &status, nil
}

// Status returns the current status of a job.
func (c *client) Status(ctx context.Context, id string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(
		ctx, "status", http.MethodGet, c.jobURL(id, "status"), "", nil, &status,
	); err != nil {
		return nil, err
	}

	return &status, nil
}

// Metadata returns the raw metadata document of a job.
func (c *client) Metadata(
	ctx context.Context, id string, params MetadataParams,
) (Metadata, error) {
	q := url.Values{}

	for _, k := range params.IncludeKeys {
		q.Add("includeKey", k)
	}

	for _, k := range params.ExcludeKeys {
		q.Add("excludeKey", k)
	}

	if params.ExpandSubWorkflows {
		q.Set("expandSubWorkflows", strconv.FormatBool(true))
	}

	u := c.jobURL(id, "metadata")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var md Metadata
	if err := c.do(ctx, "metadata", http.MethodGet, u, "", nil, &md); err != nil {
		return nil, err
	}

	return md, nil
}

// Outputs returns the outputs of a finished job.
func (c *client) Outputs(ctx context.Context, id string) (map[string]any, error) {
	var resp outputsResponse
	if err := c.do(
		ctx, "outputs", http.MethodGet, c.jobURL(id, "outputs"), "", nil, &resp,
	); err != nil {
		return nil, err
	}

	if resp.Outputs == nil {
		resp.Outputs = map[string]any{}
	}

	return resp.Outputs, nil
}

// Abort requests cancellation of a job.
func (c *client) Abort(ctx context.Context, id string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(
		ctx, "abort", http.MethodPost, c.jobURL(id, "abort"), "", nil, &status,
	); err != nil {
		return nil, err
	}

	return &status, nil
}

func (c *client) jobURL(id, action string) string {
	return c.base + "/" + url.PathEscape(id) + "/" + action
}

// do performs a request bounded by the engine timeout and decodes a JSON
// response into out.
func (c *client) do(
	ctx context.Context,
	op, method, u, contentType string,
	body io.Reader,
	out any,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s request: %w", op, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &HTTPError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding engine %s response: %w", op, err)
	}

	return nil
}

func writeFilePart(mw *multipart.Writer, field, filename string, data []byte) error {
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", field, err)
	}

	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing %s part: %w", field, err)
	}

	return nil
}

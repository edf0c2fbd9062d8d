package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/internal/httpclient"
)

// Client talks to one worker process. It carries no retry policy; the
// lifecycle driver owns retries (currently: none, worker-local failures are
// terminal).
type Client struct {
	node     *fleet.Node
	clientID string
	http     *http.Client
	log      *zap.SugaredLogger
}

// NewClient builds a client for one node with the given total and connect
// timeouts. The clientID is stable for the client's lifetime and is reused
// by the event-stream subscriber so the worker correlates both channels.
func NewClient(node *fleet.Node, timeout, connectTimeout time.Duration, log *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Client{
		node:     node,
		clientID: uuid.NewString(),
		http:     httpclient.New(timeout, connectTimeout),
		log:      log,
	}
}

// Node returns the fleet node this client talks to.
func (c *Client) Node() *fleet.Node { return c.node }

// WorkerID returns the fleet node id.
func (c *Client) WorkerID() string { return c.node.ID }

// ClientID returns the stable identifier sent with submits and the event
// stream subscription.
func (c *Client) ClientID() string { return c.clientID }

// Submit posts a job graph to the worker and returns the worker-side prompt
// id. A 4xx reply or an error body wraps ErrSubmitRejected; connect
// failures, timeouts, and 5xx replies wrap ErrWorkerUnavailable.
func (c *Client) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", errors.Wrap(err, "marshal submit request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.node.BaseURL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(errors.ErrWorkerUnavailable, "submit to %s: %v", c.node.ID, err)
	}
	defer resp.Body.Close()

	replyBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return "", errors.Wrapf(errors.ErrWorkerUnavailable, "submit to %s: status %d", c.node.ID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", errors.Wrapf(errors.ErrSubmitRejected, "worker %s replied %d: %s", c.node.ID, resp.StatusCode, replyBody)
	}

	var reply submitReply
	if err := json.Unmarshal(replyBody, &reply); err != nil {
		return "", errors.Wrapf(errors.ErrSubmitRejected, "worker %s sent unparseable reply: %v", c.node.ID, err)
	}
	if len(reply.Error) > 0 && string(reply.Error) != "null" {
		return "", errors.Wrapf(errors.ErrSubmitRejected, "worker %s validation error: %s", c.node.ID, reply.Error)
	}
	if reply.PromptID == "" {
		return "", errors.Wrapf(errors.ErrSubmitRejected, "worker %s returned no prompt_id", c.node.ID)
	}

	c.log.Infow("Queued prompt on worker",
		"worker_id", c.node.ID,
		"prompt_id", reply.PromptID,
	)
	return reply.PromptID, nil
}

// History fetches the terminal record for a prompt. Returns nil while the
// prompt has not finished; never blocks waiting for completion.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	var raw map[string]History
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &raw); err != nil {
		return nil, err
	}
	entry, ok := raw[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Outputs downloads every image attached to a history record.
func (c *Client) Outputs(ctx context.Context, h *History) ([]Image, error) {
	if h == nil {
		return nil, nil
	}
	var images []Image
	for _, out := range h.Outputs {
		for _, ref := range out.Images {
			data, err := c.Fetch(ctx, ref.Filename, ref.Subfolder, ref.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "fetch output %s", ref.Filename)
			}
			images = append(images, Image{Filename: ref.Filename, Data: data})
		}
	}
	return images, nil
}

// Fetch downloads one file from the worker's /view endpoint.
func (c *Client) Fetch(ctx context.Context, filename, subfolder, kind string) ([]byte, error) {
	if kind == "" {
		kind = "output"
	}
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.node.BaseURL()+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build view request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrWorkerUnavailable, "view on %s: %v", c.node.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("view on %s returned %d for %s", c.node.ID, resp.StatusCode, filename)
	}
	return io.ReadAll(resp.Body)
}

// Upload sends a seed image to the worker and returns the worker-side
// filename usable in img2img graphs.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return "", errors.Wrap(err, "create multipart image part")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "write multipart image data")
	}
	w.WriteField("subfolder", "")
	w.WriteField("type", "input")
	w.WriteField("overwrite", "true")
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "finalize multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.node.BaseURL()+"/upload/image", &buf)
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(errors.ErrWorkerUnavailable, "upload to %s: %v", c.node.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("upload to %s returned %d", c.node.ID, resp.StatusCode)
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "decode upload reply")
	}
	if result.Name == "" {
		result.Name = filename
	}
	return result.Name, nil
}

// Queue fetches the worker's current queue depth.
func (c *Client) Queue(ctx context.Context) (running, pending int, err error) {
	var reply queueReply
	if err := c.getJSON(ctx, "/queue", &reply); err != nil {
		return 0, 0, err
	}
	return len(reply.Running), len(reply.Pending), nil
}

// ObjectInfo fetches the worker's node schema. The server surface uses this
// to enumerate available adapters and base models.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var info map[string]json.RawMessage
	if err := c.getJSON(ctx, "/object_info", &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.node.BaseURL()+path, nil)
	if err != nil {
		return errors.Wrapf(err, "build request %s", path)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrWorkerUnavailable, "%s on %s: %v", path, c.node.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Wrapf(errors.ErrWorkerUnavailable, "%s on %s returned %d", path, c.node.ID, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("%s on %s returned %d", path, c.node.ID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "decode %s reply from %s", path, c.node.ID)
	}
	return nil
}

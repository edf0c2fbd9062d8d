// Package worker speaks the HTTP + event-stream contract a diffusion worker
// process exposes. One Client per fleet node, sharing a persistent
// connection pool to that worker; the Pool maps node ids to clients.
package worker

import "encoding/json"

// ImageRef identifies one image attached to a worker history record.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the output block of one graph node in a history record.
type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

// History is the terminal record for one prompt. Present only once the
// worker has finished executing the graph.
type History struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// Image pairs a worker-side filename with its downloaded bytes.
type Image struct {
	Filename string
	Data     []byte
}

// UploadResult echoes the worker-side location of an uploaded seed image.
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitReply struct {
	PromptID string          `json:"prompt_id"`
	Error    json.RawMessage `json:"error"`
}

type queueReply struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

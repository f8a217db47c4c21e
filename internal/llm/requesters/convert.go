package requesters

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// overlayArgs merges a model's extra_args into a request struct through its
// JSON tags. Unknown keys are ignored by the decoder.
func overlayArgs(dst any, extra map[string]any) error {
	if len(extra) == 0 {
		return nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode extra args: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("apply extra args: %w", err)
	}
	return nil
}

// splitSystem separates leading and interleaved system messages from the
// conversation for protocols that carry the system prompt out of band.
func splitSystem(msgs []*models.Message) (string, []*models.Message) {
	var system []string
	rest := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == models.RoleSystem {
			if t := m.Text(); t != "" {
				system = append(system, t)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// inlineImage decodes an image_base64 element. The payload may be a data URL
// or bare base64, in which case the media type defaults to image/jpeg.
func inlineImage(el models.ContentElement) (mediaType string, raw []byte, encoded string, err error) {
	mediaType = "image/jpeg"
	encoded = el.ImageBase64
	if strings.HasPrefix(encoded, "data:") {
		head, body, ok := strings.Cut(encoded, ",")
		if !ok {
			return "", nil, "", fmt.Errorf("invalid data URL")
		}
		if mt, _, _ := strings.Cut(strings.TrimPrefix(head, "data:"), ";"); mt != "" {
			mediaType = mt
		}
		encoded = body
	}
	raw, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, "", fmt.Errorf("decode image: %w", err)
	}
	return mediaType, raw, encoded, nil
}

// dataURL renders an image_base64 element as a data URL.
func dataURL(el models.ContentElement) string {
	if strings.HasPrefix(el.ImageBase64, "data:") {
		return el.ImageBase64
	}
	return "data:image/jpeg;base64," + el.ImageBase64
}

// decodeArgs parses tool call arguments, tolerating an empty string.
func decodeArgs(args string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// encodeArgs renders tool call arguments as a JSON string.
func encodeArgs(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// toolSchema returns a descriptor's parameters, defaulting to an empty object.
func toolSchema(fn models.ToolDescriptor) map[string]any {
	if fn.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return fn.Parameters
}

// toolNames maps tool call ids to function names across a conversation,
// for protocols whose tool results are keyed by name.
func toolNames(msgs []*models.Message) map[string]string {
	out := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			out[tc.ID] = tc.Function.Name
		}
	}
	return out
}

// headerTransport adds provider-configured headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func httpClient(headers map[string]string) *http.Client {
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
}

// Package verifier talks to the remote liveness verification service.
//
// Pictures are uploaded as multipart form data (or a raw JPEG body for the
// single-image endpoint) with the API key as a bearer token. Failures are
// reported as ErrAuthorizationFailed or ErrConnectionFailed; a negative
// liveness result is a normal Outcome, not an error. Nothing is retried.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// Kind selects the verification endpoint.
type Kind string

const (
	// Kind3D verifies a normal and a zoomed picture.
	Kind3D Kind = "3d"
	// KindImages verifies the pictures of an instruction session.
	KindImages Kind = "images"
	// KindImage verifies a single passive picture.
	KindImage Kind = "image"
)

const (
	endpoint3D          = "v1/check_liveness_3d"
	endpointImages      = "v1/check_liveness_images"
	endpointImage       = "v1/check_liveness_image"
	endpointInstruction = "v1/check_liveness_instruction"
)

// Request is one verification call.
type Request struct {
	Kind     Kind
	Pictures []camera.EncodedImage
	Debug    bool
}

// Outcome is the verifier's answer.
type Outcome struct {
	Liveness  bool            `json:"liveness"`
	Status    int             `json:"status"`
	Message   string          `json:"message,omitempty"`
	DebugData json.RawMessage `json:"debug_data,omitempty"`
}

// InstructionStatus is the verdict on one instruction selfie.
type InstructionStatus int

const (
	InstructionMatch       InstructionStatus = 0
	InstructionWrongPose   InstructionStatus = 1
	InstructionNoFace      InstructionStatus = -1
	InstructionNotCentered InstructionStatus = -2
	InstructionTooClose    InstructionStatus = -3
	InstructionTooFar      InstructionStatus = -4
)

// Verifier checks pictures against the remote service.
type Verifier interface {
	Verify(ctx context.Context, req Request) (*Outcome, error)
	CheckInstruction(ctx context.Context, instruction string, selfie camera.EncodedImage) (InstructionStatus, error)
}

// ErrAuthorizationFailed is returned when the API key is rejected.
var ErrAuthorizationFailed = errors.New("verifier authorization failed")

// ErrConnectionFailed is returned for transport errors and unusable responses.
var ErrConnectionFailed = errors.New("verifier connection failed")

// statusMessages explains the failure codes of the single-image endpoint.
var statusMessages = map[int]string{
	1000: "No face was found in the picture",
	1001: "The face is not centered, keep it inside the frame",
	1002: "The face is too close",
	1003: "The face is too far away",
	2001: "The picture failed the brightness check, try a more evenly lit room",
	9001: "The picture failed the liveness check, try again with a plain background",
}

// StatusMessage returns the explanation for a single-image status code.
func StatusMessage(status int) string {
	if status == 0 {
		return ""
	}
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return "The picture failed the liveness check. Code: " + strconv.Itoa(status)
}

// Client is the HTTP implementation of Verifier.
type Client struct {
	baseURL    string
	apiKey     string
	debug      bool
	httpClient *http.Client
}

// NewClient creates a client for the verifier at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewFromConfig creates a client from the verifier config section.
func NewFromConfig(cfg config.VerifierConfig) *Client {
	c := NewClient(cfg.ServerURL, cfg.APIKey, cfg.RequestTimeout())
	c.debug = cfg.Debug
	return c
}

type envelope struct {
	Success  *bool `json:"success"`
	Liveness *bool `json:"liveness"`
	Data     struct {
		Liveness  *bool           `json:"liveness"`
		Status    json.RawMessage `json:"status"`
		DebugData json.RawMessage `json:"debugData"`
	} `json:"data"`
}

// Verify sends the pictures of req to the matching endpoint.
func (c *Client) Verify(ctx context.Context, req Request) (*Outcome, error) {
	var (
		endpoint    string
		body        io.Reader
		contentType string
		err         error
	)

	switch req.Kind {
	case Kind3D:
		if len(req.Pictures) != 2 {
			return nil, fmt.Errorf("3d verification needs 2 pictures, got %d", len(req.Pictures))
		}
		endpoint = endpoint3D
		fields := []formField{
			{name: "picture", image: &req.Pictures[0]},
			{name: "zoomedPicture", image: &req.Pictures[1]},
		}
		if req.Debug || c.debug {
			fields = append(fields, formField{name: "debugMode", value: "true"})
		}
		body, contentType, err = multipartBody(fields)

	case KindImages:
		if len(req.Pictures) == 0 {
			return nil, errors.New("images verification needs at least one picture")
		}
		endpoint = endpointImages
		fields := []formField{{name: "imagesCount", value: strconv.Itoa(len(req.Pictures))}}
		for i := range req.Pictures {
			fields = append(fields, formField{name: "image" + strconv.Itoa(i+1), image: &req.Pictures[i]})
		}
		body, contentType, err = multipartBody(fields)

	case KindImage:
		if len(req.Pictures) != 1 {
			return nil, fmt.Errorf("image verification needs 1 picture, got %d", len(req.Pictures))
		}
		endpoint = endpointImage
		body = bytes.NewReader(req.Pictures[0].Data)
		contentType = mimeType(req.Pictures[0].Format)

	default:
		return nil, fmt.Errorf("unknown verification kind: %s", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	env, err := c.post(ctx, endpoint, body, contentType)
	if err != nil {
		return nil, err
	}

	outcome, err := interpret(req.Kind, env)
	if err != nil {
		return nil, err
	}

	logging.Component("verifier").WithFields(logging.Fields{
		"kind":     req.Kind,
		"pictures": len(req.Pictures),
		"liveness": outcome.Liveness,
		"status":   outcome.Status,
	}).Info("Verification completed")
	return outcome, nil
}

func interpret(kind Kind, env *envelope) (*Outcome, error) {
	out := &Outcome{DebugData: env.Data.DebugData}

	switch kind {
	case Kind3D:
		switch {
		case env.Data.Liveness != nil:
			out.Liveness = *env.Data.Liveness
		case env.Liveness != nil:
			out.Liveness = *env.Liveness
		default:
			return nil, fmt.Errorf("%w: response has no liveness field", ErrConnectionFailed)
		}

	case KindImages:
		ok, status, present := parseStatus(env.Data.Status)
		if !present {
			if env.Liveness == nil {
				return nil, fmt.Errorf("%w: response has no status field", ErrConnectionFailed)
			}
			ok = *env.Liveness
		}
		out.Status = status
		out.Liveness = ok && (env.Success == nil || *env.Success)

	case KindImage:
		_, status, present := parseStatus(env.Data.Status)
		if !present {
			return nil, fmt.Errorf("%w: response has no status field", ErrConnectionFailed)
		}
		out.Status = status
		out.Liveness = status == 0
		out.Message = StatusMessage(status)
	}
	return out, nil
}

// parseStatus accepts a boolean or numeric status. truthy follows the
// usual rules: true or non-zero.
func parseStatus(raw json.RawMessage) (truthy bool, code int, present bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, 0, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return true, 1, true
		}
		return false, 0, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, int(n), true
	}
	return false, 0, false
}

// CheckInstruction asks whether selfie shows the pose named by instruction.
func (c *Client) CheckInstruction(ctx context.Context, instruction string, selfie camera.EncodedImage) (InstructionStatus, error) {
	body, contentType, err := multipartBody([]formField{
		{name: "instruction", value: instruction},
		{name: "selfie", image: &selfie},
	})
	if err != nil {
		return 0, err
	}

	env, err := c.post(ctx, endpointInstruction, body, contentType)
	if err != nil {
		return 0, err
	}

	_, status, present := parseStatus(env.Data.Status)
	if !present {
		return 0, fmt.Errorf("%w: response has no status field", ErrConnectionFailed)
	}

	logging.Component("verifier").Debugf("Instruction %s: status %d", instruction, status)
	return InstructionStatus(status), nil
}

func (c *Client) post(ctx context.Context, endpoint string, body io.Reader, contentType string) (*envelope, error) {
	url := c.baseURL + "/" + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrConnectionFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthorizationFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrConnectionFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrConnectionFailed, err)
	}
	return &env, nil
}

type formField struct {
	name  string
	value string
	image *camera.EncodedImage
}

func multipartBody(fields []formField) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		if f.image == nil {
			if err := w.WriteField(f.name, f.value); err != nil {
				return nil, "", err
			}
			continue
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.%s"`, f.name, f.name, extension(f.image.Format)))
		h.Set("Content-Type", mimeType(f.image.Format))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.image.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func mimeType(f camera.Format) string {
	if f == camera.FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func extension(f camera.Format) string {
	if f == camera.FormatPNG {
		return "png"
	}
	return "jpg"
}

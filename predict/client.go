// Package predict uploads captured images to the remote classification
// endpoint.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"platecam/session"
	"platecam/video/process"
)

const (
	DefaultField   = "image"
	DefaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for logs.
	maxErrorBody = 512
	// maxBody bounds a successful response body.
	maxBody = 1 << 20
)

// Response is a successful classification.
type Response struct {
	Label string
	// Category is optional; empty when the endpoint did not send one.
	Category   string
	Confidence *float64
	ImageURL   string
}

type wireResponse struct {
	Prediction string   `json:"prediction"`
	Label      string   `json:"label"`
	Category   *string  `json:"category"`
	Confidence *float64 `json:"confidence"`
	ImageURL   string   `json:"image_url"`
}

type Options struct {
	// Endpoint is the full URL images are POSTed to.
	Endpoint string
	// Field is the multipart field name holding the image.
	Field   string
	Timeout time.Duration
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client submits images. One request per Submit; it never retries.
type Client struct {
	endpoint string
	field    string
	http     *http.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("predict: endpoint required")
	}
	if opts.Field == "" {
		opts.Field = DefaultField
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{
		endpoint: opts.Endpoint,
		field:    opts.Field,
		http:     hc,
	}, nil
}

// Submit uploads img. The bearer token is attached only when tokens yields
// one. Every failure is a *TransportError.
func (c *Client) Submit(ctx context.Context, img *process.EncodedImage, tokens session.TokenSource) (*Response, error) {
	clog := log.WithFields(log.Fields{"capture": img.ID, "bytes": len(img.Data)})

	body, contentType, err := c.encode(img)
	if err != nil {
		return nil, &TransportError{Kind: Network, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &TransportError{Kind: Network, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if tokens != nil {
		if token, ok := tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		} else {
			clog.Debugf("No session token, submitting anonymously")
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		clog.Warnf("Prediction request failed: %v", err)
		return nil, &TransportError{Kind: Network, Err: err}
	}
	defer resp.Body.Close()
	clog.Debugf("Prediction endpoint answered %v in %v", resp.Status, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			Kind:       HTTPStatus,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var wr wireResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	if err := dec.Decode(&wr); err != nil {
		return nil, &TransportError{Kind: MalformedResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	// The body must be exactly one JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, &TransportError{Kind: MalformedResponse, Err: errors.New("trailing data after response")}
	}
	label := wr.Prediction
	if label == "" {
		label = wr.Label
	}
	if label == "" {
		return nil, &TransportError{Kind: MalformedResponse, Err: errors.New("response has no prediction")}
	}

	r := &Response{
		Label:      label,
		Confidence: wr.Confidence,
		ImageURL:   wr.ImageURL,
	}
	if wr.Category != nil {
		r.Category = *wr.Category
	}
	return r, nil
}

func (c *Client) encode(img *process.EncodedImage) (io.Reader, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.field, img.Filename()))
	h.Set("Content-Type", img.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

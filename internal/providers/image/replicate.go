package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// sdxlVersion pins the SDXL release the service renders with.
const sdxlVersion = "39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b"

const replicatePollInterval = time.Second

// ReplicateOptions configures the Replicate generator.
type ReplicateOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// PollInterval overrides the 1s prediction poll cadence (tests).
	PollInterval time.Duration
}

// Replicate renders through the Replicate predictions API: create the
// prediction, poll until it settles, download the first output.
type Replicate struct {
	apiKey  string
	baseURL string
	client  *http.Client
	poll    time.Duration
}

// NewReplicate constructs the generator. The API key is required.
func NewReplicate(opts ReplicateOptions) (*Replicate, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("replicate api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = replicatePollInterval
	}
	return &Replicate{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		client:  client,
		poll:    poll,
	}, nil
}

func (g *Replicate) Name() string { return "replicate" }

type replicateCreateRequest struct {
	Version string         `json:"version"`
	Input   replicateInput `json:"input"`
}

type replicateInput struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Seed              int64   `json:"seed,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumOutputs        int     `json:"num_outputs"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
}

type replicatePrediction struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

// Generate creates a prediction and polls it to completion within ctx.
func (g *Replicate) Generate(ctx context.Context, req Request) (Asset, error) {
	pred, err := g.create(ctx, req)
	if err != nil {
		return Asset{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return Asset{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(g.poll):
		}

		pred, err = g.get(ctx, pred.ID)
		if err != nil {
			return Asset{}, err
		}
		switch pred.Status {
		case "succeeded":
			if len(pred.Output) == 0 {
				return Asset{}, fmt.Errorf("%w: prediction returned no output", ErrFailed)
			}
			return g.download(ctx, pred.Output[0])
		case "failed", "canceled":
			return Asset{}, fmt.Errorf("%w: %s", ErrFailed, pred.Error)
		}
	}
}

func (g *Replicate) create(ctx context.Context, req Request) (*replicatePrediction, error) {
	width, height := req.dimensions()
	payload := replicateCreateRequest{
		Version: sdxlVersion,
		Input: replicateInput{
			Prompt:            req.Prompt,
			NegativePrompt:    req.NegativePrompt,
			Seed:              req.Seed,
			Width:             width,
			Height:            height,
			NumOutputs:        1,
			GuidanceScale:     7.5,
			NumInferenceSteps: 30,
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/predictions", &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Token "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, g.classifyTransport(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: create returned 429", ErrRateLimited)
	case resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("%w: create returned %d", ErrFailed, resp.StatusCode)
	}

	var pred replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("%w: decode create response: %v", ErrFailed, err)
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("%w: create response missing prediction id", ErrFailed)
	}
	return &pred, nil
}

func (g *Replicate) get(ctx context.Context, id string) (*replicatePrediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build poll request: %v", ErrFailed, err)
	}
	httpReq.Header.Set("Authorization", "Token "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, g.classifyTransport(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: poll returned 429", ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: poll returned %d", ErrFailed, resp.StatusCode)
	}

	var pred replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("%w: decode poll response: %v", ErrFailed, err)
	}
	if pred.ID == "" {
		pred.ID = id
	}
	return &pred, nil
}

func (g *Replicate) download(ctx context.Context, url string) (Asset, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: build download request: %v", ErrFailed, err)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Asset{}, g.classifyTransport(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("%w: download returned %d", ErrFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: read output: %v", ErrFailed, err)
	}
	if len(data) == 0 {
		return Asset{}, fmt.Errorf("%w: empty output", ErrFailed)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return Asset{Data: data, MIME: mime, Provider: g.Name()}, nil
}

// classifyTransport maps transport errors: a dead ctx means the stage budget
// expired, everything else is a plain failure.
func (g *Replicate) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFailed, err)
}

var _ Generator = (*Replicate)(nil)

// Package trainerd provides an HTTP client for the external training backend.
// It implements the trainer and evaluator ports; tensor computation and GPU
// scheduling live on the other side of this API.
package trainerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/evaluator"
	"github.com/forgeml/refinery/internal/port/trainer"
	"github.com/forgeml/refinery/internal/resilience"
)

// Backend failure codes returned in error response bodies.
const (
	codeResourceExhausted = "RESOURCE_EXHAUSTED"
	codeNumericDivergence = "NUMERIC_DIVERGENCE"
	codeKLBoundExceeded   = "KL_BOUND_EXCEEDED"
)

// Client talks to the training backend's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breakers   *resilience.Registry
}

// NewClient creates a training backend client. The breaker registry is
// optional; without it calls go out unguarded.
func NewClient(cfg config.Trainer, apiKey string, breakers *resilience.Registry) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breakers: breakers,
	}
}

type trainRequest struct {
	JobID      string                   `json:"job_id"`
	JobType    trainjob.Type            `json:"job_type"`
	DatasetURL string                   `json:"dataset_url"`
	Checkpoint string                   `json:"checkpoint,omitempty"`
	Params     trainjob.Hyperparameters `json:"params"`
}

type trainResponse struct {
	Checkpoint string           `json:"checkpoint"`
	Metrics    trainjob.Metrics `json:"metrics"`
}

func encodeTrainRequest(req trainer.Request) trainRequest {
	return trainRequest{
		JobID:      req.JobID,
		JobType:    req.JobType,
		DatasetURL: req.DatasetURL,
		Checkpoint: req.Checkpoint,
		Params:     req.Params,
	}
}

// Train runs one supervised training pass on the backend.
func (c *Client) Train(ctx context.Context, req trainer.Request) (*trainer.Result, error) {
	body, err := json.Marshal(encodeTrainRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal train request: %w", err)
	}
	data, err := c.doRequest(ctx, "trainerd.train", http.MethodPost, "/v1/train", body)
	if err != nil {
		return nil, fmt.Errorf("train %s: %w", req.JobID, err)
	}
	var resp trainResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal train response: %w", err)
	}
	return &trainer.Result{Checkpoint: resp.Checkpoint, Metrics: resp.Metrics}, nil
}

// TrainRewardModel fits a scoring function from preference pairs and returns
// the reward-model checkpoint.
func (c *Client) TrainRewardModel(ctx context.Context, req trainer.Request, pairs []trainer.PreferencePair) (string, error) {
	payload := struct {
		trainRequest
		Pairs []trainer.PreferencePair `json:"preference_pairs"`
	}{encodeTrainRequest(req), pairs}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal reward request: %w", err)
	}
	data, err := c.doRequest(ctx, "trainerd.train", http.MethodPost, "/v1/train/reward", body)
	if err != nil {
		return "", fmt.Errorf("train reward model %s: %w", req.JobID, err)
	}
	var resp trainResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal reward response: %w", err)
	}
	return resp.Checkpoint, nil
}

// PolicyStep runs one policy-optimization iteration on the backend.
func (c *Client) PolicyStep(ctx context.Context, req trainer.Request, rewardCheckpoint string) (*trainer.Result, []trainer.RolloutScore, error) {
	payload := struct {
		trainRequest
		RewardCheckpoint string `json:"reward_checkpoint"`
	}{encodeTrainRequest(req), rewardCheckpoint}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal policy request: %w", err)
	}
	data, err := c.doRequest(ctx, "trainerd.train", http.MethodPost, "/v1/train/policy-step", body)
	if err != nil {
		return nil, nil, fmt.Errorf("policy step %s: %w", req.JobID, err)
	}
	var resp struct {
		trainResponse
		Rollouts []trainer.RolloutScore `json:"rollouts"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal policy response: %w", err)
	}
	return &trainer.Result{Checkpoint: resp.Checkpoint, Metrics: resp.Metrics}, resp.Rollouts, nil
}

// Evaluate runs a checkpoint against held-out data.
func (c *Client) Evaluate(ctx context.Context, checkpoint, datasetURL string) (trainjob.Metrics, error) {
	body, err := json.Marshal(map[string]string{
		"checkpoint":  checkpoint,
		"dataset_url": datasetURL,
	})
	if err != nil {
		return trainjob.Metrics{}, fmt.Errorf("marshal evaluate request: %w", err)
	}
	data, err := c.doRequest(ctx, "trainerd.evaluate", http.MethodPost, "/v1/evaluate", body)
	if err != nil {
		return trainjob.Metrics{}, fmt.Errorf("evaluate %s: %w", checkpoint, err)
	}
	var metrics trainjob.Metrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return trainjob.Metrics{}, fmt.Errorf("unmarshal evaluate response: %w", err)
	}
	return metrics, nil
}

// Regression runs the golden test set against a candidate model.
func (c *Client) Regression(ctx context.Context, modelID string) (*evaluator.RegressionReport, error) {
	return measure[evaluator.RegressionReport](ctx, c, modelID, "/v1/measure/regression")
}

// Benchmark measures candidate performance against the current baseline.
func (c *Client) Benchmark(ctx context.Context, modelID string) (*evaluator.BenchmarkReport, error) {
	return measure[evaluator.BenchmarkReport](ctx, c, modelID, "/v1/measure/benchmark")
}

// Safety runs adversarial probes against a candidate model.
func (c *Client) Safety(ctx context.Context, modelID string) (*evaluator.SafetyReport, error) {
	return measure[evaluator.SafetyReport](ctx, c, modelID, "/v1/measure/safety")
}

// Diversity measures per-task-type accuracy for candidate and baseline.
func (c *Client) Diversity(ctx context.Context, modelID string) (*evaluator.DiversityReport, error) {
	return measure[evaluator.DiversityReport](ctx, c, modelID, "/v1/measure/diversity")
}

// LatencyProfile returns the candidate's p99 inference latency in ms.
func (c *Client) LatencyProfile(ctx context.Context, modelID string) (float64, error) {
	resp, err := measure[struct {
		P99MS float64 `json:"p99_ms"`
	}](ctx, c, modelID, "/v1/measure/latency")
	if err != nil {
		return 0, err
	}
	return resp.P99MS, nil
}

func measure[T any](ctx context.Context, c *Client, modelID, path string) (*T, error) {
	body, err := json.Marshal(map[string]string{"model_id": modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal measure request: %w", err)
	}
	data, err := c.doRequest(ctx, "trainerd.measure", http.MethodPost, path, body)
	if err != nil {
		return nil, fmt.Errorf("measure %s %s: %w", path, modelID, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal measure response: %w", err)
	}
	return &out, nil
}

func (c *Client) doRequest(ctx context.Context, component, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return backendError(resp.StatusCode, data)
		}

		result = data
		return nil
	}

	if c.breakers != nil {
		if err := c.breakers.For(component).Execute(ctx, call); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := call(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// backendError maps the backend's failure codes onto the retry-classified
// trainer sentinels.
func backendError(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch payload.Code {
		case codeResourceExhausted:
			return fmt.Errorf("%s: %w", payload.Message, trainer.ErrResourceExhausted)
		case codeNumericDivergence:
			return fmt.Errorf("%s: %w", payload.Message, trainer.ErrNumericDivergence)
		case codeKLBoundExceeded:
			return fmt.Errorf("%s: %w", payload.Message, trainer.ErrKLBoundExceeded)
		}
	}
	return fmt.Errorf("training backend error %d: %s", status, string(body))
}

package trainerd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/trainer"
	"github.com/forgeml/refinery/internal/resilience"
)

func testClient(t *testing.T, handler http.HandlerFunc, breakers *resilience.Registry) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Trainer{URL: srv.URL, Timeout: 5 * time.Second}, "test-key", breakers)
}

func trainReq() trainer.Request {
	return trainer.Request{
		JobID:      "job-1",
		JobType:    trainjob.TypeSupervised,
		DatasetURL: "s3://bucket/datasets/agent-skills/v1/data.jsonl",
		Params:     trainjob.Hyperparameters{BaseModel: "base-7b", Epochs: 3, BatchSize: 32, LearningRate: 2e-5},
	}
}

func TestTrainDecodesResult(t *testing.T) {
	var gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/train" {
			t.Errorf("path = %s, want /v1/train", r.URL.Path)
		}
		var req trainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JobID != "job-1" || req.Params.BatchSize != 32 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(trainResponse{
			Checkpoint: "ckpt-1",
			Metrics:    trainjob.Metrics{Loss: 0.4, StepsComplete: 100, StepsTotal: 100},
		})
	}, nil)

	res, err := c.Train(context.Background(), trainReq())
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if res.Checkpoint != "ckpt-1" || res.Metrics.Loss != 0.4 {
		t.Errorf("result = %+v", res)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestTrainMapsBackendFailureCodes(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{codeResourceExhausted, trainer.ErrResourceExhausted},
		{codeNumericDivergence, trainer.ErrNumericDivergence},
		{codeKLBoundExceeded, trainer.ErrKLBoundExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code": tt.code, "message": "backend says no",
				})
			}, nil)

			_, err := c.Train(context.Background(), trainReq())
			if !errors.Is(err, tt.want) {
				t.Errorf("Train() error = %v, want %v", err, tt.want)
			}
			if !trainer.Retryable(err) {
				t.Errorf("error %v not classified retryable", err)
			}
		})
	}
}

func TestTrainUnknownErrorIsTerminal(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}, nil)

	_, err := c.Train(context.Background(), trainReq())
	if err == nil {
		t.Fatal("Train() error = nil, want failure")
	}
	if trainer.Retryable(err) {
		t.Errorf("unknown backend error classified retryable: %v", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	breakers := resilience.NewRegistry(func() *resilience.Breaker {
		return resilience.NewBreaker(2, time.Minute, 30*time.Second, time.Second)
	})
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, breakers)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Train(ctx, trainReq()); err == nil {
			t.Fatal("expected backend failure")
		}
	}

	_, err := c.Train(ctx, trainReq())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("error after threshold = %v, want ErrCircuitOpen", err)
	}
	if got := breakers.States()["trainerd.train"]; got != "open" {
		t.Errorf("breaker state = %s, want open", got)
	}
}

func TestEvaluateAndMeasure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/evaluate":
			_ = json.NewEncoder(w).Encode(trainjob.Metrics{Accuracy: 0.91})
		case "/v1/measure/latency":
			_ = json.NewEncoder(w).Encode(map[string]float64{"p99_ms": 640})
		default:
			http.NotFound(w, r)
		}
	}, nil)

	ctx := context.Background()
	metrics, err := c.Evaluate(ctx, "ckpt-1", "s3://bucket/data.jsonl")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if metrics.Accuracy != 0.91 {
		t.Errorf("accuracy = %v", metrics.Accuracy)
	}

	p99, err := c.LatencyProfile(ctx, "assistant-d1")
	if err != nil {
		t.Fatalf("LatencyProfile() error = %v", err)
	}
	if p99 != 640 {
		t.Errorf("p99 = %v, want 640", p99)
	}
}

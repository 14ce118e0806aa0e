package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"guppi/internal/broker"
	"guppi/internal/embedding"
)

// Summarizer condenses a block of turn history into a short narrative.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Model() string
}

// Worker is a competing consumer on the heavy-compute queue. Any number
// of workers may run; the queue hands each request to exactly one.
type Worker struct {
	broker     broker.Broker
	queue      string
	name       string
	engine     embedding.Engine
	summarizer Summarizer
	log        *zap.Logger
}

// WorkerOptions configures NewWorker.
type WorkerOptions struct {
	Name       string
	Queue      string
	Engine     embedding.Engine
	Summarizer Summarizer
	Logger     *zap.Logger
}

// NewWorker builds a worker over an existing broker connection.
func NewWorker(b broker.Broker, opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Queue == "" {
		opts.Queue = broker.GPUQueue
	}
	return &Worker{
		broker:     b,
		queue:      opts.Queue,
		name:       opts.Name,
		engine:     opts.Engine,
		summarizer: opts.Summarizer,
		log:        opts.Logger,
	}
}

// Run consumes requests until ctx is canceled. A failed request gets an
// error reply; it is never retried.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("compute worker online",
		zap.String("queue", w.queue),
		zap.String("worker", w.name))

	for {
		payload, err := w.broker.QueuePop(ctx, w.queue, 5*time.Second)
		if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pop compute request: %w", err)
		}
		if payload == nil {
			continue
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			w.log.Warn("malformed compute request, dropping", zap.Error(err))
			continue
		}
		w.handle(ctx, req)
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	start := time.Now()
	reply := Reply{
		Type:   ReplyEventType,
		Event:  ReplyEvent,
		TaskID: req.TaskID,
		Meta:   ReplyMeta{Worker: w.name},
	}

	switch req.Type {
	case TaskEmbed:
		vec, err := w.engine.Embed(ctx, req.Content)
		if err != nil {
			reply.Status = "error"
			reply.Content = map[string]any{"error": err.Error()}
		} else {
			reply.Status = "success"
			reply.Content = map[string]any{"vector": vec}
			reply.Meta.Model = w.engine.Model()
		}
	case TaskSummarize:
		summary, err := w.summarizer.Summarize(ctx, req.Content)
		if err != nil {
			reply.Status = "error"
			reply.Content = map[string]any{"error": err.Error()}
		} else {
			reply.Status = "success"
			reply.Content = map[string]any{"summary": summary}
			reply.Meta.Model = w.summarizer.Model()
		}
	default:
		reply.Status = "error"
		reply.Content = map[string]any{"error": fmt.Sprintf("unknown task type %q", req.Type)}
	}

	w.log.Info("compute task handled",
		zap.String("task_id", req.TaskID),
		zap.String("type", req.Type),
		zap.String("status", reply.Status),
		zap.Duration("elapsed", time.Since(start)))

	if req.ReplyTo == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("encode compute reply", zap.Error(err))
		return
	}
	// Deliver even when the requester's ctx raced cancellation; the
	// reply queue may already be gone, which is fine.
	if err := w.broker.QueuePush(context.WithoutCancel(ctx), req.ReplyTo, data); err != nil {
		w.log.Warn("deliver compute reply", zap.String("reply_to", req.ReplyTo), zap.Error(err))
	}
}

// OllamaSummarizer runs summaries through a local Ollama model.
type OllamaSummarizer struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaSummarizer builds a summarizer with the standard local
// defaults for empty arguments.
func NewOllamaSummarizer(endpoint, model string) *OllamaSummarizer {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "mistral"
	}
	return &OllamaSummarizer{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

const summaryPrompt = "Summarize the following agent activity log into a short first-person " +
	"narrative paragraph. Keep concrete names, paths and decisions; drop raw command output.\n\n"

func (s *OllamaSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  s.model,
		"prompt": summaryPrompt + text,
		"stream": false,
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Response, nil
}

func (s *OllamaSummarizer) Model() string { return s.model }

// GenAISummarizer runs summaries through the Google GenAI API.
type GenAISummarizer struct {
	client *genai.Client
	model  string
}

// NewGenAISummarizer builds a cloud summarizer. The API key is required.
func NewGenAISummarizer(ctx context.Context, apiKey, model string) (*GenAISummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai summarizer: api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GenAISummarizer{client: client, model: model}, nil
}

func (s *GenAISummarizer) Summarize(ctx context.Context, text string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(summaryPrompt+text, genai.RoleUser),
	}
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("genai summarize: %w", err)
	}
	out := resp.Text()
	if out == "" {
		return "", fmt.Errorf("genai summarize: empty response")
	}
	return out, nil
}

func (s *GenAISummarizer) Model() string { return s.model }

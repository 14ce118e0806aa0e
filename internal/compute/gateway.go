// Package compute implements both sides of the heavy-compute protocol:
// the Gateway agents use to offload embedding and summarization work,
// and the Worker loop that competes for that work on GPU hosts.
//
// Requests ride the shared work queue; each reply comes back on an
// ephemeral queue named by the request id. Correlation is by task_id,
// the wait is bounded, and there is no automatic retry: a timed-out
// request surfaces as an error the caller decides about.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guppi/internal/broker"
)

// ErrRemoteComputeTimeout means no reply arrived inside the bounded
// wait. The request may still complete on a worker; the reply queue is
// gone, so the result is discarded.
var ErrRemoteComputeTimeout = errors.New("compute: remote request timed out")

// Task types on the heavy-compute queue.
const (
	TaskEmbed     = "embed"
	TaskSummarize = "summarize"
)

// Request is one unit of offloaded work.
type Request struct {
	TaskID  string `json:"task_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to"`
}

// Reply is the worker's answer, shaped as a GUPPI event so it can also
// land directly in an agent inbox.
type Reply struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	TaskID  string         `json:"task_id"`
	Status  string         `json:"status"`
	Content map[string]any `json:"content"`
	Meta    ReplyMeta      `json:"meta"`
}

// ReplyMeta identifies which worker and model produced the result.
type ReplyMeta struct {
	Worker string `json:"worker"`
	Model  string `json:"model"`
}

// Reply event constants.
const (
	ReplyEventType = "GUPPIEvent"
	ReplyEvent     = "ScribeResult"
)

// Gateway is the client side of the protocol.
type Gateway struct {
	broker  broker.Broker
	queue   string
	timeout time.Duration
	log     *zap.Logger
}

// NewGateway builds a gateway over an existing broker connection.
func NewGateway(b broker.Broker, queue string, timeout time.Duration, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == "" {
		queue = broker.GPUQueue
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{broker: b, queue: queue, timeout: timeout, log: logger}
}

// Embed offloads one embedding and waits for the vector. Returns the
// vector and the model identity the worker reported.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, string, error) {
	reply, err := g.roundTrip(ctx, TaskEmbed, text)
	if err != nil {
		return nil, "", err
	}
	raw, ok := reply.Content["vector"].([]any)
	if !ok {
		return nil, "", fmt.Errorf("compute: embed reply carries no vector")
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, "", fmt.Errorf("compute: embed reply element %d is not a number", i)
		}
		vec[i] = float32(f)
	}
	return vec, reply.Meta.Model, nil
}

// Summarize offloads one summarization and waits for the text.
func (g *Gateway) Summarize(ctx context.Context, text string) (string, string, error) {
	reply, err := g.roundTrip(ctx, TaskSummarize, text)
	if err != nil {
		return "", "", err
	}
	summary, ok := reply.Content["summary"].(string)
	if !ok {
		return "", "", fmt.Errorf("compute: summarize reply carries no summary")
	}
	return summary, reply.Meta.Model, nil
}

// SubmitAsync enqueues a task whose reply goes to replyTo (typically an
// agent inbox) instead of being waited on. Returns the task id.
func (g *Gateway) SubmitAsync(ctx context.Context, taskType, content, replyTo string) (string, error) {
	req := Request{
		TaskID:  "req-" + uuid.NewString(),
		Type:    taskType,
		Content: content,
		ReplyTo: replyTo,
	}
	if err := g.push(ctx, req); err != nil {
		return "", err
	}
	g.log.Debug("compute task submitted",
		zap.String("task_id", req.TaskID),
		zap.String("type", taskType),
		zap.String("reply_to", replyTo))
	return req.TaskID, nil
}

func (g *Gateway) push(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode compute request: %w", err)
	}
	if err := g.broker.QueuePush(ctx, g.queue, data); err != nil {
		return fmt.Errorf("enqueue compute request: %w", err)
	}
	return nil
}

func (g *Gateway) roundTrip(ctx context.Context, taskType, content string) (*Reply, error) {
	req := Request{
		TaskID:  "req-" + uuid.NewString(),
		Type:    taskType,
		Content: content,
	}
	// The reply queue is keyed to this request so nobody else reads it.
	req.ReplyTo = broker.ReplyQueue(req.TaskID)
	defer g.broker.Del(context.WithoutCancel(ctx), req.ReplyTo)

	if err := g.push(ctx, req); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(g.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: task %s after %s", ErrRemoteComputeTimeout, req.TaskID, g.timeout)
		}
		payload, err := g.broker.QueuePop(ctx, req.ReplyTo, remaining)
		if err != nil {
			return nil, fmt.Errorf("await compute reply: %w", err)
		}
		if payload == nil {
			return nil, fmt.Errorf("%w: task %s after %s", ErrRemoteComputeTimeout, req.TaskID, g.timeout)
		}

		var reply Reply
		if err := json.Unmarshal(payload, &reply); err != nil {
			g.log.Warn("malformed compute reply, ignoring", zap.Error(err))
			continue
		}
		if reply.TaskID != req.TaskID {
			// A stale reply from a previous timed-out request. Drop it and
			// keep waiting for ours.
			g.log.Warn("compute reply for foreign task, ignoring",
				zap.String("got", reply.TaskID), zap.String("want", req.TaskID))
			continue
		}
		if reply.Status != "success" {
			msg, _ := reply.Content["error"].(string)
			return nil, fmt.Errorf("compute: worker %s failed task %s: %s", reply.Meta.Worker, req.TaskID, msg)
		}
		return &reply, nil
	}
}

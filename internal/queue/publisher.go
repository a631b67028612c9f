// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes thread-updated events to Redis as Celery-compatible
// tasks for the summarization workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SummarizeTask is the task name the summarization worker registers.
const SummarizeTask = "summaries.tasks.summarize_thread"

// ThreadUpdated is the event body for SummarizeTask.
type ThreadUpdated struct {
	Type      string    `json:"type"`
	ThreadID  string    `json:"thread_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher pushes tasks onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
	now       func() time.Time
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

type celeryTask struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries"`
	ETA     *string        `json:"eta"`
}

type celeryMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

// NotifyThreadUpdated enqueues a summarization task for threadID.
func (p *Publisher) NotifyThreadUpdated(ctx context.Context, threadID string) error {
	event, err := json.Marshal(ThreadUpdated{
		Type:      "thread.updated",
		ThreadID:  threadID,
		UpdatedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal thread event: %w", err)
	}

	taskID, err := p.enqueue(ctx, SummarizeTask, string(event))
	if err != nil {
		return err
	}

	slog.Debug("queued thread summary",
		"task_id", taskID,
		"thread_id", threadID,
		"queue", p.queueName,
	)
	return nil
}

// enqueue wraps args in the Celery message envelope and LPUSHes it.
func (p *Publisher) enqueue(ctx context.Context, task string, args ...any) (string, error) {
	taskID := uuid.NewString()

	body, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   task,
		Args:   args,
		Kwargs: map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery task: %w", err)
	}

	msg, err := json.Marshal(celeryMessage{
		Body:            string(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "py",
			"task":    task,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]any{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH %s: %w", p.queueName, err)
	}
	return taskID, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

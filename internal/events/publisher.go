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

// Package events publishes ingestion events to a Redis list as JSON.
// Downstream consumers (notification senders, audit sinks) pop from the
// other end with BRPOP. Publishing is best effort from the caller's point
// of view: an invoice that landed in Postgres is created whether or not
// its event made the queue.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event names consumers subscribe to.
const (
	InvoiceCreated = "invoice.created"
	PollCompleted  = "poll.completed"
)

// Publisher sends events to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// envelope is the wire format for a queued event.
type envelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publish serialises an event and pushes it onto the queue.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	msg := envelope{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published event",
		"event", event,
		"event_id", msg.ID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

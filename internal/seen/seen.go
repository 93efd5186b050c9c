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

// Package seen provides a fast already-processed check for mailbox messages
// using a Redis SET with TTL. The processing log in Postgres is the durable
// record; this filter just short-circuits repeat fetches when poll windows
// overlap.
package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a processed message ID. Unread
	// windows rarely reach back further than a few days.
	DefaultTTL = 72 * time.Hour

	// keyPrefix namespaces filter keys in Redis.
	keyPrefix = "ingest:seen:"
)

// Filter tracks which provider message IDs have already been processed for
// an account.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a seen filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message has NOT been seen for this account.
// If true, the message is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, accountID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, accountID, messageID)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen SETNX: %w", err)
	}

	return set, nil
}

// Forget removes a message from the filter so a failed message can be
// retried on the next poll.
func (f *Filter) Forget(ctx context.Context, accountID, messageID string) error {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, accountID, messageID)
	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("seen DEL: %w", err)
	}
	return nil
}

// Copyright 2024 OvlStack Authors
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

// Package util holds small helpers shared by the ovlstack packages.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

const (
	lockAttempts = 3
	lockDelay    = 100 * time.Millisecond
	lockMaxDelay = 300 * time.Millisecond
)

// LockRetry returns retry options for a layer file write named op. Only
// SQLite lock contention is retried; any other error ends the loop.
func LockRetry(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(lockAttempts),
		retry.Delay(lockDelay),
		retry.MaxDelay(lockMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("[Retry] %s: attempt %d failed: %v", op, n+1, err)
		}),
		retry.Context(ctx),
	}
}

// Retry runs fn until it succeeds or opts give up, and returns the last
// error. Without opts any error is retried a few times.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = []retry.Option{
			retry.Attempts(lockAttempts),
			retry.Delay(lockDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		}
	}
	return retry.Do(fn, opts...)
}

// IsDatabaseLocked reports whether err is SQLite lock contention.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

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

package overlay

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	warnInterval = 5 * time.Second
	warnBurst    = 10
)

// rateLimitedLogger drops warnings beyond a burst per interval so a
// corrupt layer cannot flood the log.
type rateLimitedLogger struct {
	logger *log.Logger
	limit  *rate.Limiter
}

func newRateLimitedLogger(logger *log.Logger) *rateLimitedLogger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(warnInterval), warnBurst),
	}
}

func (rl *rateLimitedLogger) Warnf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf("overlay: "+format, v...)
	}
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.logger.Debugf(format, v...)
}

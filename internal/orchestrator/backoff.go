// Copyright 2025 Tom Barlow
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

package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential backoff delays, the same
// doubling-with-cap shape the teacher's httpclient retry transport uses,
// but jittered across the whole range [0, cap) rather than +/-20% around
// the midpoint: with many workers retrying the same failing node, full
// jitter spreads reconnect attempts out instead of leaving a residual
// thundering herd at the edges of a narrow jitter band.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 500ms base, 30s cap, 5 attempts, matching the
// dispatch retry policy.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 5}

// Duration returns the delay before the given attempt (1-indexed: the
// delay before the first retry is Duration(1)).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	capped := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if capped > float64(b.Max) {
		capped = float64(b.Max)
	}
	return time.Duration(rand.Float64() * capped)
}

// Copyright 2021-2022 The mqttgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connection

import (
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
)

// Retry delay strategies
const (
	RetryFlat        = "flat"
	RetryExponential = "exponential"
)

// exponentialGrowth is the factor between consecutive exponential delays
const exponentialGrowth = 2.0

// RetryPolicy decides how often and how soon a broker connection retries
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed attempts tolerated
	MaxAttempts int
	// Strategy is RetryFlat or RetryExponential
	Strategy string
	// BaseDelay is the flat delay, or the first exponential delay
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay
	MaxDelay time.Duration
}

// RetryPolicyFromConfig convert the retry config
func RetryPolicyFromConfig(cfg common.MQTTRetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Strategy:    cfg.Strategy,
		BaseDelay:   time.Millisecond * time.Duration(cfg.BaseDelay),
		MaxDelay:    time.Millisecond * time.Duration(cfg.MaxDelay),
	}
}

// Delay the wait before the next attempt, given the number of failed attempts so far
func (p RetryPolicy) Delay(failedAttempts int) time.Duration {
	if p.Strategy != RetryExponential || failedAttempts <= 1 {
		return p.BaseDelay
	}
	seq, err := goutils.GetExponentialSeq(float64(p.BaseDelay), exponentialGrowth)
	if err != nil {
		return p.BaseDelay
	}
	delay := p.BaseDelay
	for itr := 1; itr < failedAttempts; itr++ {
		delay = time.Duration(seq.NextValue())
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

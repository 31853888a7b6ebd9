// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package retry contains the retry policies consulted by the request
// executor between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/storagecore/errors"
)

// A Policy is an interface that abstracts retry policies. Typically
// users will not call methods directly on a Policy but rather use
// the package function retry.Wait.
type Policy interface {
	// Retry tells whether a new retry should be attempted,
	// and after how long.
	Retry(retry int) (bool, time.Duration)
}

// Wait queries the provided policy at the provided retry number and
// sleeps until the next try should be attempted. Wait returns an
// error if the policy prohibits further tries, if the context was
// canceled, or if its deadline would run out while waiting for the
// next try.
func Wait(ctx context.Context, policy Policy, retry int) error {
	keepgoing, wait := policy.Retry(retry)
	if !keepgoing {
		return errors.E(errors.TooManyTries, errors.Fatal, fmt.Sprintf("gave up after %d tries", retry+1))
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return errors.E(errors.Timeout, errors.Fatal, "ran out of time while waiting for retry")
	}
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type none struct{}

// None is a policy that never retries.
var None Policy = none{}

func (none) Retry(int) (bool, time.Duration) { return false, 0 }

type backoff struct {
	factor       float64
	initial, max time.Duration
}

// Backoff returns a Policy that initially waits for the amount of
// time specified by parameter initial; on each try this value is
// multiplied by the provided factor, up to the max duration.
func Backoff(initial, max time.Duration, factor float64) Policy {
	return &backoff{
		initial: initial,
		max:     max,
		factor:  factor,
	}
}

func (b *backoff) Retry(retries int) (bool, time.Duration) {
	wait := float64(b.initial) * math.Pow(b.factor, float64(retries))
	if wait > float64(b.max) || math.IsInf(wait, 0) {
		return true, b.max
	}
	return true, time.Duration(wait)
}

type linear struct {
	delta time.Duration
}

// Linear returns a Policy that waits a constant delta between tries.
func Linear(delta time.Duration) Policy {
	return linear{delta}
}

func (l linear) Retry(int) (bool, time.Duration) { return true, l.delta }

type maxtries struct {
	policy Policy
	max    int
}

// MaxTries returns a policy that enforces a maximum number of
// attempts, counting the first one: retry number r is the (r+2)th
// attempt and is permitted only while r+2 <= n. The provided policy
// is invoked when the current number of tries is within the
// permissible limit. If policy is nil, the returned policy permits
// an immediate retry within the limit.
func MaxTries(policy Policy, n int) Policy {
	if n < 1 {
		panic("retry.MaxTries: n < 1")
	}
	return &maxtries{policy, n - 1}
}

func (m *maxtries) Retry(retries int) (bool, time.Duration) {
	if retries >= m.max {
		return false, time.Duration(0)
	}
	if m.policy != nil {
		return m.policy.Retry(retries)
	}
	return true, time.Duration(0)
}

type jitter struct {
	policy Policy
	frac   float64

	mu   sync.Mutex
	rand *rand.Rand
}

// Jitter returns a policy that randomizes the waits of the provided
// policy: a wait w becomes a uniformly chosen duration in
// [w*(1-frac), w]. A frac of 1 gives "full jitter"; 0.5 gives
// "equal jitter".
func Jitter(policy Policy, frac float64) Policy {
	if frac < 0 || frac > 1 {
		panic("retry.Jitter: frac must be in [0, 1]")
	}
	return &jitter{policy: policy, frac: frac, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (j *jitter) Retry(retries int) (bool, time.Duration) {
	ok, wait := j.policy.Retry(retries)
	if !ok || wait <= 0 {
		return ok, wait
	}
	j.mu.Lock()
	r := j.rand.Float64()
	j.mu.Unlock()
	fixed := float64(wait) * (1 - j.frac)
	return true, time.Duration(fixed + r*float64(wait)*j.frac)
}

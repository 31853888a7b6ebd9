// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package options defines the per-request client options and loads
// them with viper. Environment variables take precedence over the
// configuration source; they use the STORAGE_ prefix with dots
// replaced by underscores, e.g. STORAGE_RETRY_MAX_ATTEMPTS.
package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
	"github.com/grailbio/storagecore/retry"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// Retry policy kinds.
const (
	Exponential = "exponential"
	Linear      = "linear"
	NoRetry     = "none"
)

// RetryOptions configures the retry policy applied between attempts.
type RetryOptions struct {
	Kind string `mapstructure:"kind" validate:"oneof=exponential linear none"`
	// Delta is the linear interval, or the initial exponential backoff.
	Delta time.Duration `mapstructure:"delta" validate:"gte=0"`
	// MaxDelta caps exponential backoff.
	MaxDelta time.Duration `mapstructure:"max_delta" validate:"gte=0"`
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts int     `mapstructure:"max_attempts" validate:"gte=1,lte=100"`
	Jitter      float64 `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// RequestOptions are the options that govern a single logical
// storage operation across all of its attempts.
type RequestOptions struct {
	// ServerTimeout is sent with each attempt; zero leaves it to the
	// service.
	ServerTimeout time.Duration `mapstructure:"server_timeout" validate:"gte=0"`
	// MaximumExecutionTime bounds the whole operation, including
	// retries; zero means no bound.
	MaximumExecutionTime time.Duration          `mapstructure:"maximum_execution_time" validate:"gte=0"`
	Retry                RetryOptions           `mapstructure:"retry"`
	LocationMode         execution.LocationMode `mapstructure:"location_mode" validate:"oneof=primary_only primary_then_secondary secondary_only secondary_then_primary"`

	ParallelOperationThreadCount int   `mapstructure:"parallel_operation_thread_count" validate:"gte=1,lte=64"`
	SingleBlobUploadThreshold    int64 `mapstructure:"single_blob_upload_threshold" validate:"gte=1,lte=268435456"`
	StreamWriteSizeInBytes       int   `mapstructure:"stream_write_size_in_bytes" validate:"gte=16384,lte=104857600"`

	UseTransactionalMD5         bool `mapstructure:"use_transactional_md5"`
	UseTransactionalCRC64       bool `mapstructure:"use_transactional_crc64"`
	DisableContentMD5Validation bool `mapstructure:"disable_content_md5_validation"`

	// BandwidthLimit caps the combined throughput of request and
	// response bodies in bytes per second; zero means unlimited. A
	// client shares one limiter across all its operations.
	BandwidthLimit int64 `mapstructure:"bandwidth_limit" validate:"gte=0"`
}

// Default returns the default options.
func Default() *RequestOptions {
	return &RequestOptions{
		Retry: RetryOptions{
			Kind:        Exponential,
			Delta:       4 * time.Second,
			MaxDelta:    90 * time.Second,
			MaxAttempts: 3,
			Jitter:      0.2,
		},
		LocationMode:                 execution.PrimaryOnly,
		ParallelOperationThreadCount: 1,
		SingleBlobUploadThreshold:    128 << 20,
		StreamWriteSizeInBytes:       4 << 20,
	}
}

// Load reads options from v, falling back to the defaults for unset
// keys, and validates the result. A nil v reads only the
// environment.
func Load(v *viper.Viper) (*RequestOptions, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("STORAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	var o RequestOptions
	if err := v.Unmarshal(&o); err != nil {
		return nil, errors.E(errors.Invalid, errors.Fatal, "options: unmarshal", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func setDefaults(v *viper.Viper, d *RequestOptions) {
	v.SetDefault("server_timeout", d.ServerTimeout)
	v.SetDefault("maximum_execution_time", d.MaximumExecutionTime)
	v.SetDefault("retry.kind", d.Retry.Kind)
	v.SetDefault("retry.delta", d.Retry.Delta)
	v.SetDefault("retry.max_delta", d.Retry.MaxDelta)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("location_mode", string(d.LocationMode))
	v.SetDefault("parallel_operation_thread_count", d.ParallelOperationThreadCount)
	v.SetDefault("single_blob_upload_threshold", d.SingleBlobUploadThreshold)
	v.SetDefault("stream_write_size_in_bytes", d.StreamWriteSizeInBytes)
	v.SetDefault("use_transactional_md5", d.UseTransactionalMD5)
	v.SetDefault("use_transactional_crc64", d.UseTransactionalCRC64)
	v.SetDefault("disable_content_md5_validation", d.DisableContentMD5Validation)
	v.SetDefault("bandwidth_limit", d.BandwidthLimit)
}

var validate = validator.New()

// Validate checks the options' invariants.
func (o *RequestOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return errors.E(errors.Invalid, errors.Fatal, "options: "+strings.Join(msgs, "; "))
	}
	if o.UseTransactionalMD5 && o.UseTransactionalCRC64 {
		return errors.E(errors.Invalid, errors.Fatal, "options: transactional MD5 and CRC64 are mutually exclusive")
	}
	return nil
}

// Policy returns the retry policy described by the options.
func (o *RequestOptions) Policy() retry.Policy {
	r := o.Retry
	var p retry.Policy
	switch r.Kind {
	case NoRetry:
		return retry.None
	case Linear:
		p = retry.Linear(r.Delta)
	default:
		ceiling := r.MaxDelta
		if ceiling < r.Delta {
			ceiling = r.Delta
		}
		p = retry.Backoff(r.Delta, ceiling, 2)
	}
	if r.Jitter > 0 {
		p = retry.Jitter(p, r.Jitter)
	}
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.MaxTries(p, attempts)
}

// Limiter returns a new rate limiter enforcing BandwidthLimit, or nil
// if the bandwidth is unlimited. The burst admits one write chunk.
// Operations draw from the same limiter to share the bandwidth.
func (o *RequestOptions) Limiter() *rate.Limiter {
	if o.BandwidthLimit <= 0 {
		return nil
	}
	burst := o.StreamWriteSizeInBytes
	if burst < 64<<10 {
		burst = 64 << 10
	}
	return rate.NewLimiter(rate.Limit(o.BandwidthLimit), burst)
}

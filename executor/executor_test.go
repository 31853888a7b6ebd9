// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/storagecore/checksum"
	"github.com/grailbio/storagecore/compress"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
	"github.com/grailbio/storagecore/executor"
	"github.com/grailbio/storagecore/log"
	"github.com/grailbio/storagecore/options"
	"github.com/grailbio/storagecore/progress"
	"github.com/grailbio/storagecore/streamcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func get(ctx context.Context, uri *url.URL) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
}

func put(ctx context.Context, uri *url.URL) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPut, uri.String(), nil)
}

// fastRetry returns options that retry up to attempts times with a
// negligible delay.
func fastRetry(attempts int) *options.RequestOptions {
	o := options.Default()
	o.Retry = options.RetryOptions{Kind: options.Linear, Delta: time.Millisecond, MaxAttempts: attempts}
	return o
}

func newEnv(t *testing.T) (executor.Env, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return executor.Env{
		Metrics: executor.NewMetrics(prometheus.NewRegistry()),
		Logger:  log.NewFromCore(zap.New(core).Sugar()),
	}, logs
}

func TestDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("storage"), 10000)
	var gotID, gotTimeout string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(executor.HeaderClientRequestID)
		gotTimeout = r.URL.Query().Get("timeout")
		w.Header().Set(executor.HeaderRequestID, "svc-1")
		w.Header().Set(executor.HeaderContentMD5, checksum.MD5Of(payload))
		w.Header().Set(executor.HeaderContentCRC64, checksum.CRC64Of(payload))
		w.Write(payload)
	}))
	defer srv.Close()

	env, _ := newEnv(t)
	inc := progress.New(nil)
	env.Progress = inc
	var dst bytes.Buffer
	opts := options.Default()
	opts.ServerTimeout = 30 * time.Second
	cmd := &executor.Command[string]{
		Name:        "GetBlob",
		PrimaryURI:  mustParse(t, srv.URL+"/c/b"),
		Build:       get,
		Destination: &dst,
		Parse: func(resp *http.Response, res execution.RequestResult, desc *streamcopy.Descriptor) (string, error) {
			assert.Equal(t, checksum.MD5Of(payload), desc.MD5())
			assert.Equal(t, res.ClientRequestID, gotID)
			return res.ServiceRequestID, nil
		},
	}
	v, err := executor.Execute(context.Background(), cmd, opts, env)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", v)
	assert.Equal(t, payload, dst.Bytes())
	assert.Equal(t, "30", gotTimeout)
	_, err = uuid.Parse(gotID)
	assert.NoError(t, err)
	total, _ := inc.Current()
	assert.EqualValues(t, len(payload), total)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Attempts.WithLabelValues("GetBlob", "primary", "success")))
	assert.Equal(t, float64(len(payload)), testutil.ToFloat64(env.Metrics.Bytes.WithLabelValues("GetBlob", "download")))
}

func TestRetryServerError(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get(executor.HeaderClientRequestID))
		n := len(ids)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	env, logs := newEnv(t)
	cmd := &executor.Command[int]{
		Name:           "PutBlock",
		PrimaryURI:     mustParse(t, srv.URL),
		Build:          put,
		ExpectedStatus: []int{http.StatusCreated},
		Parse: func(resp *http.Response, _ execution.RequestResult, _ *streamcopy.Descriptor) (int, error) {
			return resp.StatusCode, nil
		},
	}
	v, err := executor.Execute(context.Background(), cmd, fastRetry(3), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, v)
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
	assert.Equal(t, 2.0, testutil.ToFloat64(env.Metrics.Attempts.WithLabelValues("PutBlock", "primary", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Attempts.WithLabelValues("PutBlock", "primary", "success")))

	retries := logs.FilterMessage("retrying operation").All()
	require.Len(t, retries, 2)
	assert.Equal(t, "PutBlock", retries[0].ContextMap()["operation"])
	assert.Equal(t, "primary", retries[0].ContextMap()["from"])
}

func TestGiveUp(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get}
	_, err := executor.Execute(context.Background(), cmd, fastRetry(3), env)
	assert.True(t, errors.Is(errors.Unavailable, err), "got %v", err)
	assert.Equal(t, errors.Status(500), errors.StatusOf(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Attempts.WithLabelValues("GetBlob", "primary", "failure")))
}

func TestNotRetryable(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><Error><Code>AuthorizationFailure</Code><Message>denied</Message></Error>`)
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get}
	_, err := executor.Execute(context.Background(), cmd, fastRetry(5), env)
	assert.True(t, errors.Is(errors.NotAllowed, err))
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "AuthorizationFailure: denied")
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestFailover(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "replica")
	}))
	defer secondary.Close()

	env, _ := newEnv(t)
	opts := fastRetry(3)
	opts.LocationMode = execution.PrimaryThenSecondary
	var dst bytes.Buffer
	cmd := &executor.Command[execution.Location]{
		Name:         "GetBlob",
		PrimaryURI:   mustParse(t, primary.URL),
		SecondaryURI: mustParse(t, secondary.URL),
		Build:        get,
		Destination:  &dst,
		Parse: func(_ *http.Response, res execution.RequestResult, _ *streamcopy.Descriptor) (execution.Location, error) {
			return res.TargetLocation, nil
		},
	}
	loc, err := executor.Execute(context.Background(), cmd, opts, env)
	require.NoError(t, err)
	assert.Equal(t, execution.Secondary, loc)
	assert.Equal(t, "replica", dst.String())
}

func TestSecondaryNotFound(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		io.WriteString(w, "fresh")
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondaryHits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer secondary.Close()

	env, _ := newEnv(t)
	opts := fastRetry(3)
	opts.LocationMode = execution.SecondaryThenPrimary
	var dst bytes.Buffer
	cmd := &executor.Command[struct{}]{
		Name:         "GetBlob",
		PrimaryURI:   mustParse(t, primary.URL),
		SecondaryURI: mustParse(t, secondary.URL),
		Build:        get,
		Destination:  &dst,
	}
	_, err := executor.Execute(context.Background(), cmd, opts, env)
	require.NoError(t, err)
	assert.Equal(t, "fresh", dst.String())
	assert.EqualValues(t, 1, secondaryHits)
	assert.EqualValues(t, 1, primaryHits)

	// Without a primary to fall back on, the 404 is final.
	opts.LocationMode = execution.SecondaryOnly
	_, err = executor.Execute(context.Background(), cmd, opts, env)
	assert.True(t, errors.Is(errors.NotExist, err))
	assert.EqualValues(t, 2, secondaryHits)
}

func TestTimeout(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	opts := fastRetry(5)
	opts.MaximumExecutionTime = 50 * time.Millisecond
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get}
	start := time.Now()
	_, err := executor.Execute(context.Background(), cmd, opts, env)
	assert.True(t, errors.Is(errors.Timeout, err), "got %v", err)
	assert.Equal(t, errors.StatusTimeout, errors.StatusOf(err))
	assert.False(t, errors.IsRetryable(err))
	assert.True(t, time.Since(start) < 4*time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Timeouts.WithLabelValues("GetBlob")))
}

func TestCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get}
	_, err := executor.Execute(ctx, cmd, fastRetry(5), env)
	assert.True(t, errors.Is(errors.Canceled, err), "got %v", err)
	assert.Equal(t, errors.StatusCanceled, errors.StatusOf(err))
}

func TestUploadTransactionalMD5(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, payload[10:], body)
		assert.Equal(t, checksum.MD5Of(payload[10:]), r.Header.Get(executor.HeaderContentMD5))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	env, _ := newEnv(t)
	opts := fastRetry(3)
	opts.UseTransactionalMD5 = true
	body := bytes.NewReader(payload)
	_, err := body.Seek(10, io.SeekStart)
	require.NoError(t, err)
	cmd := &executor.Command[struct{}]{Name: "PutBlock", PrimaryURI: mustParse(t, srv.URL), Build: put, Body: body}
	_, err = executor.Execute(context.Background(), cmd, opts, env)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestIntegrityMismatch(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set(executor.HeaderContentCRC64, checksum.CRC64Of([]byte("other")))
		io.WriteString(w, "payload")
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	dst := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(dst)
	require.NoError(t, err)
	defer f.Close()
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get, Destination: f}
	_, err = executor.Execute(context.Background(), cmd, fastRetry(2), env)
	assert.True(t, errors.Is(errors.Integrity, err), "got %v", err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

// truncated serves a body shorter than its declared length on the
// first request, and the full body afterwards.
func truncated(payload []byte) (http.HandlerFunc, *int32) {
	var attempts int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Length", "100")
		if n == 1 {
			w.Write(payload[:50])
			return
		}
		w.Write(payload)
	}, &attempts
}

func TestPartialDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)

	// A buffer cannot be rewound, so a partially written destination
	// is not retried.
	h, attempts := truncated(payload)
	srv := httptest.NewServer(h)
	defer srv.Close()
	env, _ := newEnv(t)
	var buf bytes.Buffer
	cmd := &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv.URL), Build: get, Destination: &buf}
	_, err := executor.Execute(context.Background(), cmd, fastRetry(3), env)
	assert.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(attempts))

	// A file is rewound and truncated.
	h, attempts = truncated(payload)
	srv2 := httptest.NewServer(h)
	defer srv2.Close()
	path := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(path)
	require.NoError(t, err)
	cmd = &executor.Command[struct{}]{Name: "GetBlob", PrimaryURI: mustParse(t, srv2.URL), Build: get, Destination: f}
	_, err = executor.Execute(context.Background(), cmd, fastRetry(3), env)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.EqualValues(t, 2, atomic.LoadInt32(attempts))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		z := compress.NewEncodingWriter(w, "gzip")
		io.WriteString(z, "compressed payload")
		z.Close()
	}))
	defer srv.Close()
	env, _ := newEnv(t)
	var dst bytes.Buffer
	cmd := &executor.Command[struct{}]{
		Name:       "GetBlob",
		PrimaryURI: mustParse(t, srv.URL),
		Build: func(ctx context.Context, uri *url.URL) (*http.Request, error) {
			req, err := get(ctx, uri)
			if err == nil {
				req.Header.Set("Accept-Encoding", "gzip")
			}
			return req, err
		},
		Destination: &dst,
		DecodeGzip:  true,
	}
	_, err := executor.Execute(context.Background(), cmd, nil, env)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", dst.String())
}

func TestInvalidCommand(t *testing.T) {
	env, _ := newEnv(t)
	_, err := executor.Execute(context.Background(), &executor.Command[struct{}]{Name: "x", Build: get}, nil, env)
	assert.True(t, errors.Is(errors.Invalid, err))

	opts := options.Default()
	opts.LocationMode = execution.SecondaryOnly
	_, err = executor.Execute(context.Background(),
		&executor.Command[struct{}]{Name: "x", PrimaryURI: mustParse(t, "http://localhost"), Build: get}, opts, env)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestStatusError(t *testing.T) {
	for _, c := range []struct {
		code      int
		loc       execution.Location
		kind      errors.Kind
		retryable bool
	}{
		{404, execution.Primary, errors.NotExist, false},
		{404, execution.Secondary, errors.NotExist, true},
		{408, execution.Primary, errors.Unavailable, true},
		{409, execution.Primary, errors.Exists, false},
		{412, execution.Primary, errors.Precondition, false},
		{429, execution.Primary, errors.Unavailable, true},
		{500, execution.Primary, errors.Unavailable, true},
		{501, execution.Primary, errors.NotSupported, false},
		{503, execution.Secondary, errors.Unavailable, true},
		{505, execution.Primary, errors.NotSupported, false},
	} {
		err := executor.StatusError(c.code, c.loc, "")
		assert.True(t, errors.Is(c.kind, err), "%d: %v", c.code, err)
		assert.Equal(t, c.retryable, errors.IsRetryable(err), "%d", c.code)
		assert.Equal(t, errors.Status(c.code), errors.StatusOf(err))
	}
}

func TestSharedLimiter(t *testing.T) {
	const (
		ops  = 3
		size = 20000
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Len(t, body, size)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	env, _ := newEnv(t)
	env.Limiter = rate.NewLimiter(rate.Limit(100000), 10000)
	payload := bytes.Repeat([]byte("x"), size)
	uri := mustParse(t, srv.URL)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(ops)
	for i := 0; i < ops; i++ {
		go func() {
			defer wg.Done()
			cmd := &executor.Command[struct{}]{Name: "PutBlock", PrimaryURI: uri, Build: put, Body: bytes.NewReader(payload)}
			_, err := executor.Execute(context.Background(), cmd, fastRetry(1), env)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// 60000 bytes against 100000 bytes/s after a 10000 byte burst.
	elapsed := time.Since(start)
	assert.True(t, elapsed >= 400*time.Millisecond, "elapsed %v", elapsed)
}

// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package executor runs storage REST commands. Execute drives one
// logical operation through as many attempts as the retry policy and
// the operation's deadline allow, alternating between the primary and
// secondary endpoints according to the location mode. Request and
// response payloads are moved with streamcopy, so transactional
// checksums are computed and verified over exactly the bytes sent or
// received.
package executor

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/checksum"
	"github.com/grailbio/storagecore/compress"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
	"github.com/grailbio/storagecore/ioctx"
	"github.com/grailbio/storagecore/log"
	"github.com/grailbio/storagecore/options"
	"github.com/grailbio/storagecore/progress"
	"github.com/grailbio/storagecore/retry"
	"github.com/grailbio/storagecore/streamcopy"
	"golang.org/x/time/rate"
)

// Protocol headers.
const (
	HeaderClientRequestID = "x-ms-client-request-id"
	HeaderRequestID       = "x-ms-request-id"
	HeaderContentMD5      = "Content-MD5"
	HeaderContentCRC64    = "x-ms-content-crc64"
	HeaderVersion         = "x-ms-version"
)

// Command describes one REST operation.
type Command[T any] struct {
	// Name identifies the operation in logs and metrics.
	Name string
	// PrimaryURI and SecondaryURI are the endpoints of the resource. At
	// least the one required by the location mode must be set.
	PrimaryURI, SecondaryURI *url.URL
	// Build creates the request for one attempt against uri. Execute
	// attaches the body and the protocol headers.
	Build func(ctx context.Context, uri *url.URL) (*http.Request, error)
	// Body is the request payload, sent from its current position to
	// its end. It is rewound before every attempt.
	Body io.ReadSeeker
	// Destination receives the response payload. If it is not an
	// io.Seeker, the operation is not retried once bytes were written.
	Destination io.Writer
	// ExpectedStatus lists the success status codes. Empty means any
	// 2xx code.
	ExpectedStatus []int
	// Parse extracts the operation's value from a successful response.
	// When Destination is set the body has already been consumed.
	Parse func(resp *http.Response, result execution.RequestResult, desc *streamcopy.Descriptor) (T, error)
	// DecodeGzip decodes gzip-encoded response bodies.
	DecodeGzip bool
}

// Env holds the collaborators shared by operations.
type Env struct {
	// Client sends requests; nil means http.DefaultClient.
	Client *http.Client
	// Metrics may be nil.
	Metrics *Metrics
	// Logger may be nil, in which case log.Default() is used.
	Logger *log.Logger
	// Buffers supplies copy buffers; nil allocates.
	Buffers bufpool.Manager
	// Progress receives transferred byte counts; it is reset before
	// each retry.
	Progress *progress.Incrementer
	// Limiter paces request and response bodies. Operations sharing an
	// Env share its bandwidth. If nil, each operation gets its own
	// limiter from RequestOptions.Limiter.
	Limiter *rate.Limiter
}

type executor[T any] struct {
	cmd     *Command[T]
	opts    *options.RequestOptions
	env     Env
	client  *http.Client
	logger  *log.Logger
	state   *execution.State
	mode    execution.LocationMode
	limiter *rate.Limiter

	bodyStart, bodyLen int64
	bodyMD5, bodyCRC   string

	destStart int64
	written   int64
}

// Execute runs cmd under opts. A nil opts uses options.Default(). The
// returned error is classified: timeouts and cancellations carry
// statuses 408 and 306, and service errors carry the HTTP status.
func Execute[T any](ctx context.Context, cmd *Command[T], opts *options.RequestOptions, env Env) (T, error) {
	var zero T
	if opts == nil {
		opts = options.Default()
	}
	x := &executor[T]{
		cmd:     cmd,
		opts:    opts,
		env:     env,
		client:  env.Client,
		logger:  env.Logger,
		state:   execution.NewState(opts.MaximumExecutionTime),
		limiter: env.Limiter,
	}
	if x.limiter == nil {
		x.limiter = opts.Limiter()
	}
	if x.client == nil {
		x.client = http.DefaultClient
	}
	if x.logger == nil {
		x.logger = log.Default()
	}
	var err error
	if x.mode, err = x.locationMode(); err != nil {
		return zero, err
	}
	ctx = log.WithOperation(ctx, cmd.Name)
	defer env.Metrics.done(cmd.Name, time.Now())

	if err := x.prepareBody(ctx); err != nil {
		return zero, err
	}
	if s, ok := cmd.Destination.(io.Seeker); ok {
		if x.destStart, err = s.Seek(0, io.SeekCurrent); err != nil {
			return zero, errors.E(errors.Invalid, "executor: destination position", err)
		}
	}

	policy := opts.Policy()
	loc := x.mode.First()
	for retries := 0; ; retries++ {
		v, err := x.attempt(ctx, loc)
		if err == nil {
			env.Metrics.attempt(cmd.Name, loc.String(), "success")
			return v, nil
		}
		if errors.StatusOf(err) == errors.StatusTimeout && errors.Is(errors.Timeout, err) {
			env.Metrics.timeout(cmd.Name)
		}
		if !shouldRetry(err, loc, x.mode) || !x.rewind() {
			env.Metrics.attempt(cmd.Name, loc.String(), "failure")
			x.logger.Error(ctx, "operation failed", "attempts", retries+1, "location", loc.String(), "error", err)
			return zero, err
		}
		if werr := x.wait(ctx, policy, retries, err); werr != nil {
			env.Metrics.attempt(cmd.Name, loc.String(), "failure")
			x.logger.Error(ctx, "operation failed", "attempts", retries+1, "location", loc.String(), "error", werr)
			return zero, werr
		}
		env.Metrics.attempt(cmd.Name, loc.String(), "retry")
		env.Progress.Reset()
		next := x.mode.Next(loc)
		x.logger.Warn(ctx, "retrying operation", "attempt", retries+2, "from", loc.String(), "to", next.String(), "error", err)
		loc = next
	}
}

func (x *executor[T]) locationMode() (execution.LocationMode, error) {
	if x.cmd.Build == nil {
		return "", errors.E(errors.Invalid, errors.Fatal, "executor: command "+x.cmd.Name+" has no request builder")
	}
	mode := x.opts.LocationMode
	if mode == "" {
		mode = execution.PrimaryOnly
	}
	primary, secondary := x.cmd.PrimaryURI != nil, x.cmd.SecondaryURI != nil
	switch {
	case !primary && !secondary:
		return "", errors.E(errors.Invalid, errors.Fatal, "executor: command "+x.cmd.Name+" has no endpoint")
	case !secondary && mode == execution.SecondaryOnly:
		return "", errors.E(errors.Invalid, errors.Fatal, "executor: secondary location required but not configured")
	case !primary && mode == execution.PrimaryOnly:
		return "", errors.E(errors.Invalid, errors.Fatal, "executor: primary location required but not configured")
	case !secondary:
		return execution.PrimaryOnly, nil
	case !primary:
		return execution.SecondaryOnly, nil
	}
	return mode, nil
}

// prepareBody records the body's extent and computes the
// transactional checksum once for all attempts.
func (x *executor[T]) prepareBody(ctx context.Context) error {
	body := x.cmd.Body
	if body == nil {
		return nil
	}
	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.E(errors.Invalid, "executor: body position", err)
	}
	end, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.E(errors.Invalid, "executor: body length", err)
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return errors.E(errors.Invalid, "executor: body rewind", err)
	}
	x.bodyStart, x.bodyLen = start, end-start

	req := checksum.Requested{MD5: x.opts.UseTransactionalMD5, CRC64: x.opts.UseTransactionalCRC64}
	if !req.HasAny() {
		return nil
	}
	desc := streamcopy.NewDescriptor()
	err = streamcopy.Copy(ctx, io.Discard, body, x.state, desc,
		streamcopy.CopyLength(x.bodyLen),
		streamcopy.Checksum(req),
		streamcopy.Buffers(x.env.Buffers))
	if err != nil {
		return err
	}
	x.bodyMD5, x.bodyCRC = desc.MD5(), desc.CRC64()
	_, err = body.Seek(start, io.SeekStart)
	return err
}

func (x *executor[T]) uri(loc execution.Location) *url.URL {
	base := x.cmd.PrimaryURI
	if loc == execution.Secondary {
		base = x.cmd.SecondaryURI
	}
	u := *base
	if t := x.opts.ServerTimeout; t > 0 {
		q := u.Query()
		secs := int64(t / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("timeout", strconv.FormatInt(secs, 10))
		u.RawQuery = q.Encode()
	}
	return &u
}

func (x *executor[T]) attempt(ctx context.Context, loc execution.Location) (v T, err error) {
	id := uuid.New()
	ctx = log.WithRequestID(ctx, id)
	x.state.SetResult(execution.RequestResult{
		ClientRequestID: id.String(),
		TargetLocation:  loc,
		StartTime:       time.Now(),
	})
	defer func() {
		x.state.UpdateResult(func(r *execution.RequestResult) {
			r.EndTime = time.Now()
			if err != nil && r.Err == nil {
				r.Err = err
			}
		})
	}()
	if x.state.Expired() {
		return v, execution.TimeoutError(x.state, nil)
	}
	actx, cancel := x.state.Context(ctx)
	defer cancel()
	defer x.state.BindRequest(cancel)()

	uri := x.uri(loc)
	x.logger.Debug(ctx, "starting attempt", "location", loc.String(), "uri", uri.Redacted())
	req, err := x.cmd.Build(actx, uri)
	if err != nil {
		return v, err
	}
	req = req.WithContext(actx)
	req.Header.Set(HeaderClientRequestID, id.String())
	if err := x.attachBody(actx, req); err != nil {
		return v, err
	}
	resp, err := x.client.Do(req)
	if err != nil {
		if terr := execution.Translate(actx, x.state, err); terr != err {
			return v, terr
		}
		return v, errors.E(errors.Net, errors.Temporary, "executor: sending request", err)
	}
	defer resp.Body.Close()
	x.recordResponse(resp)
	x.logger.Debug(ctx, "received response", "status", resp.StatusCode, "serviceRequestID", resp.Header.Get(HeaderRequestID))

	if !x.expected(resp.StatusCode) {
		return v, StatusError(resp.StatusCode, loc, readDetail(resp.Body))
	}
	decoded := false
	if x.cmd.DecodeGzip {
		body, err := compress.NewEncodingReader(resp.Body, resp.Header.Get("Content-Encoding"))
		if err != nil {
			return v, err
		}
		decoded = body != resp.Body
		resp.Body = body
	}
	desc := streamcopy.NewDescriptor()
	if x.cmd.Destination != nil {
		if err := x.download(actx, resp, desc, decoded); err != nil {
			return v, err
		}
	}
	if x.cmd.Parse == nil {
		return v, nil
	}
	return x.cmd.Parse(resp, x.state.Result(), desc)
}

func (x *executor[T]) attachBody(ctx context.Context, req *http.Request) error {
	body := x.cmd.Body
	if body == nil {
		return nil
	}
	if _, err := body.Seek(x.bodyStart, io.SeekStart); err != nil {
		return errors.E(errors.Invalid, "executor: body rewind", err)
	}
	if x.bodyMD5 != "" {
		req.Header.Set(HeaderContentMD5, x.bodyMD5)
	}
	if x.bodyCRC != "" {
		req.Header.Set(HeaderContentCRC64, x.bodyCRC)
	}
	req.ContentLength = x.bodyLen
	req.GetBody = nil
	if x.bodyLen == 0 {
		req.Body = http.NoBody
		return nil
	}
	r := io.LimitReader(body, x.bodyLen)
	r = streamcopy.PacedReader(ctx, r, x.limiter)
	r = &countingReader{r: r, done: func(n int64) { x.env.Metrics.bytes(x.cmd.Name, "upload", n) }}
	if x.env.Progress != nil {
		r = progress.NewStream(r, x.env.Progress)
	}
	req.Body = io.NopCloser(r)
	return nil
}

func (x *executor[T]) recordResponse(resp *http.Response) {
	x.state.UpdateResult(func(r *execution.RequestResult) {
		r.HTTPStatusCode = resp.StatusCode
		r.HTTPStatusMessage = http.StatusText(resp.StatusCode)
		r.ServiceRequestID = resp.Header.Get(HeaderRequestID)
		r.ETag = resp.Header.Get("ETag")
		r.ContentMD5 = resp.Header.Get(HeaderContentMD5)
		r.ContentCRC64 = resp.Header.Get(HeaderContentCRC64)
	})
}

func (x *executor[T]) expected(code int) bool {
	if len(x.cmd.ExpectedStatus) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range x.cmd.ExpectedStatus {
		if c == code {
			return true
		}
	}
	return false
}

// download copies the response body to the destination and verifies
// the checksums the service reported. Checksums of a decoded body are
// not verified, since they describe the encoded bytes.
func (x *executor[T]) download(ctx context.Context, resp *http.Response, desc *streamcopy.Descriptor, decoded bool) error {
	wantMD5 := resp.Header.Get(HeaderContentMD5)
	wantCRC := resp.Header.Get(HeaderContentCRC64)
	req := checksum.Requested{
		MD5:   !decoded && wantMD5 != "" && !x.opts.DisableContentMD5Validation,
		CRC64: !decoded && wantCRC != "",
	}
	copyOpts := []streamcopy.Option{
		streamcopy.Checksum(req),
		streamcopy.Buffers(x.env.Buffers),
		streamcopy.Progress(x.env.Progress),
	}
	if resp.ContentLength >= 0 && !decoded {
		copyOpts = append(copyOpts, streamcopy.CopyLength(resp.ContentLength))
	}
	if x.limiter != nil {
		copyOpts = append(copyOpts, streamcopy.Pace(x.limiter))
	}
	// The body is bound to the attempt's deadline-bounded context, so
	// reads need no backstop.
	dst := &countingWriter{w: x.cmd.Destination, n: &x.written}
	err := streamcopy.CopyContext(ctx, ioctx.FromStdWriter(dst), ioctx.FromStdReader(resp.Body), x.state, desc, copyOpts...)
	x.env.Metrics.bytes(x.cmd.Name, "download", desc.Length())
	if err != nil {
		if _, ok := err.(*errors.Error); !ok {
			err = errors.E(errors.Net, errors.Temporary, "executor: reading response body", err)
		}
		return err
	}
	if req.MD5 && desc.MD5() != wantMD5 {
		return errors.E(errors.Integrity, errors.Retriable,
			fmt.Sprintf("executor: MD5 mismatch: computed %s, service reported %s", desc.MD5(), wantMD5))
	}
	if req.CRC64 && desc.CRC64() != wantCRC {
		return errors.E(errors.Integrity, errors.Retriable,
			fmt.Sprintf("executor: CRC64 mismatch: computed %s, service reported %s", desc.CRC64(), wantCRC))
	}
	return nil
}

// rewind prepares the destination for another attempt. It reports
// false if bytes were written to a destination that cannot be reset.
func (x *executor[T]) rewind() bool {
	if x.written == 0 {
		return true
	}
	s, ok := x.cmd.Destination.(io.Seeker)
	if !ok {
		return false
	}
	if _, err := s.Seek(x.destStart, io.SeekStart); err != nil {
		return false
	}
	if t, ok := x.cmd.Destination.(interface{ Truncate(int64) error }); ok {
		if err := t.Truncate(x.destStart); err != nil {
			return false
		}
	}
	x.written = 0
	return true
}

// wait sleeps before the next attempt. It returns the error to report
// if no further attempt may be made.
func (x *executor[T]) wait(ctx context.Context, policy retry.Policy, retries int, last error) error {
	wctx, cancel := x.state.Context(ctx)
	defer cancel()
	err := retry.Wait(wctx, policy, retries)
	switch {
	case err == nil:
		return nil
	case errors.Is(errors.TooManyTries, err):
		return errors.E(fmt.Sprintf("executor: gave up after %d attempts", retries+1), last)
	case errors.Is(errors.Timeout, err) || x.state.Expired():
		return execution.TimeoutError(x.state, last)
	default:
		return execution.Translate(wctx, x.state, err)
	}
}

type storageError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// readDetail extracts the service's error code and message from an
// error response body.
func readDetail(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, 8<<10))
	if err != nil || len(b) == 0 {
		return ""
	}
	var se storageError
	if xml.Unmarshal(b, &se) == nil && se.Code != "" {
		if se.Message == "" {
			return se.Code
		}
		return se.Code + ": " + se.Message
	}
	return ""
}

type countingReader struct {
	r    io.Reader
	n    int64
	done func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err == io.EOF && c.done != nil {
		c.done(c.n)
		c.done = nil
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

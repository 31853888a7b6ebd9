// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blockblob binds the block and append blob REST operations
// to the executor. A Client implements upload.BlockClient and
// upload.AppendClient, so the upload writers can drive it directly.
package blockblob

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
	"github.com/grailbio/storagecore/executor"
	"github.com/grailbio/storagecore/options"
	"github.com/grailbio/storagecore/streamcopy"
	"github.com/grailbio/storagecore/upload"
	"golang.org/x/sync/errgroup"
)

// Version is the protocol version sent with every request.
const Version = "2019-12-12"

const (
	headerBlobType  = "x-ms-blob-type"
	headerAppendPos = "x-ms-blob-condition-appendpos"
	headerRange     = "x-ms-range"
)

// Client operates on a single blob.
type Client struct {
	primary, secondary *url.URL
	opts               *options.RequestOptions
	env                executor.Env
}

var (
	_ upload.BlockClient  = (*Client)(nil)
	_ upload.AppendClient = (*Client)(nil)
)

// New returns a client for the blob at primary. secondary, the
// blob's read replica, may be nil. A nil opts uses options.Default().
// Unless env carries a limiter, the client's operations share one
// built from opts.BandwidthLimit.
func New(primary, secondary *url.URL, opts *options.RequestOptions, env executor.Env) *Client {
	if opts == nil {
		opts = options.Default()
	}
	if env.Limiter == nil {
		env.Limiter = opts.Limiter()
	}
	return &Client{primary: primary, secondary: secondary, opts: opts, env: env}
}

// Properties describes a downloaded blob.
type Properties struct {
	ETag             string
	Length           int64
	ContentMD5       string
	ServiceRequestID string
}

func (c *Client) builder(method string, query url.Values, header http.Header) func(context.Context, *url.URL) (*http.Request, error) {
	return func(ctx context.Context, uri *url.URL) (*http.Request, error) {
		u := *uri
		if len(query) > 0 {
			q := u.Query()
			for k, v := range query {
				q[k] = v
			}
			u.RawQuery = q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, errors.E(errors.Invalid, errors.Fatal, "blockblob: building request", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set(executor.HeaderVersion, Version)
		return req, nil
	}
}

// write runs a PUT that sends body. md5, if set, is sent as the
// transactional MD5 instead of computing one.
func (c *Client) write(ctx context.Context, name string, query url.Values, header http.Header, body io.ReadSeeker, md5 string) error {
	opts := c.opts
	if md5 != "" {
		o := *c.opts
		o.UseTransactionalMD5 = false
		opts = &o
		if header == nil {
			header = http.Header{}
		}
		header.Set(executor.HeaderContentMD5, md5)
	}
	cmd := &executor.Command[struct{}]{
		Name:           name,
		PrimaryURI:     c.primary,
		Build:          c.builder(http.MethodPut, query, header),
		Body:           body,
		ExpectedStatus: []int{http.StatusCreated},
	}
	// Writes only go to the primary.
	if opts.LocationMode != execution.PrimaryOnly {
		o := *opts
		o.LocationMode = execution.PrimaryOnly
		opts = &o
	}
	_, err := executor.Execute(ctx, cmd, opts, c.env)
	return err
}

// PutBlock stages data as block id.
func (c *Client) PutBlock(ctx context.Context, id string, data []byte, md5 string) error {
	query := url.Values{"comp": {"block"}, "blockid": {id}}
	return c.write(ctx, "PutBlock", query, nil, bytes.NewReader(data), md5)
}

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

// PutBlockList commits the given staged blocks, in order, as the
// blob's content.
func (c *Client) PutBlockList(ctx context.Context, ids []string) error {
	body, err := xml.Marshal(blockList{Latest: ids})
	if err != nil {
		return errors.E(errors.Invalid, errors.Fatal, "blockblob: encoding block list", err)
	}
	body = append([]byte(xml.Header), body...)
	header := http.Header{"Content-Type": {"application/xml"}}
	return c.write(ctx, "PutBlockList", url.Values{"comp": {"blocklist"}}, header, bytes.NewReader(body), "")
}

// AppendBlock appends data to an append blob that must be exactly
// appendPosition bytes long.
func (c *Client) AppendBlock(ctx context.Context, data []byte, md5 string, appendPosition int64) error {
	header := http.Header{}
	header.Set(headerAppendPos, strconv.FormatInt(appendPosition, 10))
	return c.write(ctx, "AppendBlock", url.Values{"comp": {"appendblock"}}, header, bytes.NewReader(data), md5)
}

// CreateAppendBlob creates an empty append blob, replacing any
// existing blob.
func (c *Client) CreateAppendBlob(ctx context.Context) error {
	header := http.Header{}
	header.Set(headerBlobType, "AppendBlob")
	return c.write(ctx, "CreateAppendBlob", nil, header, nil, "")
}

// PutBlob uploads body, from its current position to its end, as a
// block blob in a single request.
func (c *Client) PutBlob(ctx context.Context, body io.ReadSeeker) error {
	header := http.Header{}
	header.Set(headerBlobType, "BlockBlob")
	return c.write(ctx, "PutBlob", nil, header, body, "")
}

// Upload uploads r as a block blob. Content up to the single-blob
// threshold is sent in one request; larger content is split into
// blocks staged in parallel.
func (c *Client) Upload(ctx context.Context, r io.ReadSeeker) error {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.E(errors.Invalid, "blockblob: upload position", err)
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.E(errors.Invalid, "blockblob: upload length", err)
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return errors.E(errors.Invalid, "blockblob: upload rewind", err)
	}
	if end-start <= c.opts.SingleBlobUploadThreshold {
		return c.PutBlob(ctx, r)
	}
	cfg := upload.ConfigFrom(c.opts)
	cfg.Buffers = c.env.Buffers
	cfg.Progress = c.env.Progress
	cfg.Logger = c.env.Logger
	// Blocks are paced as PutBlock request bodies.
	w := upload.NewBlockWriter(ctx, c, cfg)
	err = streamcopy.Copy(ctx, w, r, execution.NewState(c.opts.MaximumExecutionTime), nil,
		streamcopy.CopyLength(end-start),
		streamcopy.BufferSize(cfg.BlockSize),
		streamcopy.Buffers(c.env.Buffers))
	if err != nil {
		w.Abort() // nolint: errcheck
		return err
	}
	return w.Close()
}

// Download writes the blob's content to dst. Reads honor the
// configured location mode. If dst is an io.Seeker, a failed
// attempt is retried from the original position.
func (c *Client) Download(ctx context.Context, dst io.Writer) (Properties, error) {
	cmd := &executor.Command[Properties]{
		Name:         "GetBlob",
		PrimaryURI:   c.primary,
		SecondaryURI: c.secondary,
		Build:        c.builder(http.MethodGet, nil, nil),
		Destination:  dst,
		Parse: func(resp *http.Response, res execution.RequestResult, desc *streamcopy.Descriptor) (Properties, error) {
			return Properties{
				ETag:             res.ETag,
				Length:           desc.Length(),
				ContentMD5:       res.ContentMD5,
				ServiceRequestID: res.ServiceRequestID,
			}, nil
		},
	}
	return executor.Execute(ctx, cmd, c.opts, c.env)
}

// GetProperties returns the blob's length and ETag without reading
// its content.
func (c *Client) GetProperties(ctx context.Context) (Properties, error) {
	cmd := &executor.Command[Properties]{
		Name:         "GetBlobProperties",
		PrimaryURI:   c.primary,
		SecondaryURI: c.secondary,
		Build:        c.builder(http.MethodHead, nil, nil),
		Parse: func(resp *http.Response, res execution.RequestResult, _ *streamcopy.Descriptor) (Properties, error) {
			return Properties{
				ETag:             res.ETag,
				Length:           resp.ContentLength,
				ContentMD5:       res.ContentMD5,
				ServiceRequestID: res.ServiceRequestID,
			}, nil
		},
	}
	return executor.Execute(ctx, cmd, c.opts, c.env)
}

// DownloadRanges downloads the blob into dst as a set of ranges of
// StreamWriteSizeInBytes bytes, fetching up to
// ParallelOperationThreadCount ranges at once. Every range is
// conditioned on the ETag observed when the download started, so a
// blob modified mid-download fails with a precondition error.
func (c *Client) DownloadRanges(ctx context.Context, dst io.WriterAt) (Properties, error) {
	props, err := c.GetProperties(ctx)
	if err != nil {
		return props, err
	}
	chunk := int64(c.opts.StreamWriteSizeInBytes)
	if chunk <= 0 {
		chunk = int64(options.Default().StreamWriteSizeInBytes)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.opts.ParallelOperationThreadCount))
	for off := int64(0); off < props.Length; off += chunk {
		off := off
		end := min(off+chunk, props.Length)
		g.Go(func() error {
			return c.getRange(gctx, io.NewOffsetWriter(dst, off), off, end, props.ETag)
		})
	}
	return props, g.Wait()
}

// getRange downloads bytes [off, end) of the blob into dst.
func (c *Client) getRange(ctx context.Context, dst io.Writer, off, end int64, etag string) error {
	header := http.Header{}
	header.Set(headerRange, fmt.Sprintf("bytes=%d-%d", off, end-1))
	if etag != "" {
		header.Set("If-Match", etag)
	}
	cmd := &executor.Command[struct{}]{
		Name:           "GetBlobRange",
		PrimaryURI:     c.primary,
		SecondaryURI:   c.secondary,
		Build:          c.builder(http.MethodGet, nil, header),
		Destination:    dst,
		ExpectedStatus: []int{http.StatusPartialContent},
	}
	_, err := executor.Execute(ctx, cmd, c.opts, c.env)
	return err
}

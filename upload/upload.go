// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package upload writes large blobs as a sequence of independently
// uploaded blocks. BlockWriter uploads blocks in parallel and commits
// them in submission order; AppendWriter appends blocks strictly one
// after another.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/log"
	"github.com/grailbio/storagecore/options"
	"github.com/grailbio/storagecore/progress"
)

// BlockClient stages and commits the blocks of a block blob.
type BlockClient interface {
	// PutBlock stages data under id. md5 is the base64 transactional
	// MD5 of data, or "" if none was requested.
	PutBlock(ctx context.Context, id string, data []byte, md5 string) error
	// PutBlockList commits the staged blocks in the given order.
	PutBlockList(ctx context.Context, ids []string) error
}

// AppendClient appends blocks to an append blob.
type AppendClient interface {
	// AppendBlock appends data, failing with a precondition error
	// unless the blob is exactly appendPosition bytes long.
	AppendBlock(ctx context.Context, data []byte, md5 string, appendPosition int64) error
}

// Config parameterizes the writers.
type Config struct {
	// BlockSize is the size of every block but the last.
	BlockSize int
	// Parallelism bounds the number of blocks buffered or in flight.
	Parallelism int
	// MD5 computes a transactional MD5 for every block.
	MD5 bool
	// Buffers supplies block buffers; nil allocates.
	Buffers bufpool.Manager
	// Progress receives the size of each uploaded block.
	Progress *progress.Incrementer
	// Logger defaults to log.Default().
	Logger *log.Logger
}

// ConfigFrom derives a writer configuration from request options.
func ConfigFrom(o *options.RequestOptions) Config {
	if o == nil {
		o = options.Default()
	}
	return Config{
		BlockSize:   o.StreamWriteSizeInBytes,
		Parallelism: o.ParallelOperationThreadCount,
		MD5:         o.UseTransactionalMD5,
	}
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = options.Default().StreamWriteSizeInBytes
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// MaxBlocks is the largest number of blocks a writer may submit.
const MaxBlocks = 50000

// blockIDs generates the ids of one upload. All ids of an upload have
// the same length, as the service requires.
type blockIDs struct {
	prefix string
	next   int
}

func newBlockIDs() blockIDs {
	return blockIDs{prefix: uuid.New().String()[:8]}
}

func (b *blockIDs) take() (string, error) {
	if b.next >= MaxBlocks {
		return "", errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("upload: more than %d blocks", MaxBlocks))
	}
	id := fmt.Sprintf("%s-%06d", b.prefix, b.next)
	b.next++
	return base64.StdEncoding.EncodeToString([]byte(id)), nil
}

var (
	errClosed  = errors.E(errors.Invalid, errors.Fatal, "upload: writer is closed")
	errAborted = errors.E(errors.Canceled, errors.Fatal, "upload: aborted")
)

// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bufpool provides the buffer managers used by stream copies
// and block uploads to recycle working buffers.
package bufpool

import (
	"sort"
	"sync"
)

// Manager hands out working buffers. TakeBuffer returns a slice of
// exactly size bytes; ReturnBuffer gives it back once the caller no
// longer touches it. Callers treat a nil Manager as plain allocation.
type Manager interface {
	TakeBuffer(size int) []byte
	ReturnBuffer(buf []byte)
}

// Default tier sizes.
const (
	Small  = 4 << 10
	Medium = 64 << 10
	Large  = 1 << 20
)

// Pool is a Manager backed by one sync.Pool per size tier. A request
// is served from the smallest tier that fits it; requests larger than
// the largest tier are allocated directly and never pooled. Pool is
// safe for concurrent use.
type Pool struct {
	tiers []tier
}

type tier struct {
	size int
	pool *sync.Pool
}

// New returns a pool with the given tier sizes. With no sizes it uses
// Small, Medium and Large.
func New(sizes ...int) *Pool {
	if len(sizes) == 0 {
		sizes = []int{Small, Medium, Large}
	}
	sizes = append([]int(nil), sizes...)
	sort.Ints(sizes)
	p := new(Pool)
	for _, size := range sizes {
		if size <= 0 {
			panic("bufpool.New: non-positive tier size")
		}
		if n := len(p.tiers); n > 0 && p.tiers[n-1].size == size {
			continue
		}
		size := size
		p.tiers = append(p.tiers, tier{size, &sync.Pool{
			New: func() any {
				// Return *[]byte, not []byte, so there's one heap allocation now to create
				// the interface value, rather than one per Put.
				b := make([]byte, size)
				return &b
			},
		}})
	}
	return p
}

// TakeBuffer implements Manager.
func (p *Pool) TakeBuffer(size int) []byte {
	if t := p.tier(size); t != nil {
		b := *t.pool.Get().(*[]byte)
		return b[:size]
	}
	return make([]byte, size)
}

// ReturnBuffer implements Manager. Buffers whose capacity does not
// match a tier exactly are dropped.
func (p *Pool) ReturnBuffer(buf []byte) {
	if buf == nil {
		return
	}
	for _, t := range p.tiers {
		if cap(buf) == t.size {
			buf = buf[:cap(buf)]
			t.pool.Put(&buf)
			return
		}
	}
}

// MaxPooled returns the largest size served from a tier.
func (p *Pool) MaxPooled() int {
	return p.tiers[len(p.tiers)-1].size
}

func (p *Pool) tier(size int) *tier {
	i := sort.Search(len(p.tiers), func(i int) bool { return p.tiers[i].size >= size })
	if i == len(p.tiers) {
		return nil
	}
	return &p.tiers[i]
}

// Take returns a buffer of size bytes from m, or a fresh allocation
// if m is nil.
func Take(m Manager, size int) []byte {
	if m == nil {
		return make([]byte, size)
	}
	return m.TakeBuffer(size)
}

// Return gives buf back to m. It is a no-op if m is nil.
func Return(m Manager, buf []byte) {
	if m != nil {
		m.ReturnBuffer(buf)
	}
}

var defaultPool = New()

// Default returns the process-wide pool.
func Default() *Pool { return defaultPool }

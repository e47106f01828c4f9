package moreatomic

import "sync/atomic"

// Uint32 is a lock-free wrapper around a uint32.
type Uint32 uint32

func NewUint32(v uint32) *Uint32 {
	i := new(Uint32)
	*i = Uint32(v)
	return i
}

func (i *Uint32) Set(v uint32) { atomic.StoreUint32((*uint32)(i), v) }
func (i *Uint32) Get() uint32  { return atomic.LoadUint32((*uint32)(i)) }
func (i *Uint32) Add(d uint32) uint32 {
	return atomic.AddUint32((*uint32)(i), d)
}

// Uint64 is the 64-bit equivalent, used for the socket byte counters.
type Uint64 uint64

func NewUint64(v uint64) *Uint64 {
	i := new(Uint64)
	*i = Uint64(v)
	return i
}

func (i *Uint64) Set(v uint64)        { atomic.StoreUint64((*uint64)(i), v) }
func (i *Uint64) Get() uint64         { return atomic.LoadUint64((*uint64)(i)) }
func (i *Uint64) Add(d uint64) uint64 { return atomic.AddUint64((*uint64)(i), d) }

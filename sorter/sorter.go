// Package sorter repairs one-step out-of-order datagrams per (caller id,
// destination port) stream and tallies sequencing statistics. It holds at
// most two deferred frames at a time: it can recover a single swapped pair
// (e.g. the series 1-2-4-3-5) but makes no attempt at deeper reordering.
//
// Loss accounting is modular: a gap charges Lost immediately, and the late
// arrival of the missing packet charges it back. A straggler on a stream
// with no preceding gap can therefore drive Stat.Lost through zero and
// wrap; consumers treat the counter as advisory.
package sorter

import (
	"sync"

	"github.com/stagebridge/ovlink/wire"
)

// Frame is one datagram as seen by the sorter. Valid distinguishes a
// freshly-arrived frame (Process should sequence it) from a frame that has
// already been delivered or is an empty deferred slot.
type Frame struct {
	Valid    bool
	CID      uint8
	DestPort wire.Port
	Seq      int16
	Payload  []byte
}

func (f *Frame) copyFrom(o *Frame) {
	f.Valid = true
	f.CID = o.CID
	f.DestPort = o.DestPort
	f.Seq = o.Seq
	if cap(f.Payload) < len(o.Payload) {
		f.Payload = make([]byte, len(o.Payload))
	}
	f.Payload = f.Payload[:len(o.Payload)]
	copy(f.Payload, o.Payload)
}

// Stat accumulates per-caller-id sequencing counters.
type Stat struct {
	Received  uint64
	Lost      uint64
	SeqErrIn  uint64
	SeqErrOut uint64
}

type streamKey struct {
	cid  uint8
	port wire.Port
}

// Sorter is a single reorder-repair unit. One goroutine owns the receive
// loop that feeds Process; Stat may be called from any goroutine (the
// latency-rollup reporter reads it once a minute).
type Sorter struct {
	seqIn  map[streamKey]int16
	seqOut map[streamKey]int16

	statMu sync.Mutex
	stat   map[uint8]*Stat

	buf1, buf2 Frame
}

// New returns a ready-to-use Sorter.
func New() *Sorter {
	return &Sorter{
		seqIn:  make(map[streamKey]int16),
		seqOut: make(map[streamKey]int16),
		stat:   make(map[uint8]*Stat),
	}
}

func (s *Sorter) statFor(cid uint8) *Stat {
	st, ok := s.stat[cid]
	if !ok {
		st = &Stat{}
		s.stat[cid] = st
	}
	return st
}

// deltaSeq computes msg.Seq - seq[key] (16-bit modular subtraction) and
// advances seq[key] to msg.Seq.
func deltaSeq(seq map[streamKey]int16, f *Frame) int16 {
	key := streamKey{f.CID, f.DestPort}
	d := f.Seq - seq[key]
	seq[key] = f.Seq
	return d
}

// deltaSeqConst is deltaSeq without the side effect, used to look ahead at
// where a frame would land in the outbound sequence without committing it.
func deltaSeqConst(seq map[streamKey]int16, f *Frame) int16 {
	key := streamKey{f.CID, f.DestPort}
	return f.Seq - seq[key]
}

// Process feeds one freshly-received frame through the sorter. It returns
// the next frame ready for delivery and true, or false if nothing is ready
// yet (the frame was deferred waiting for a possible reorder partner).
// Callers must keep calling Process with an empty/invalid Frame until it
// returns false, to drain any frames the sorter already holds buffered.
//
//	for next, ok := sorter.Process(in); ok; next, ok = sorter.Process(drained) {
//	    deliver(next)
//	}
//
// where drained is a Frame with Valid == false.
func (s *Sorter) Process(in *Frame) (*Frame, bool) {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	if in.Valid {
		if in.DestPort.IsControl() {
			in.Valid = false
			return in, true
		}

		st := s.statFor(in.CID)
		st.Received++

		key := streamKey{in.CID, in.DestPort}
		_, notFirst := s.seqIn[key]

		dseqIn := deltaSeq(s.seqIn, in)
		dseqIO := deltaSeqConst(s.seqOut, in)

		if dseqIn != 0 && notFirst {
			st.Lost += uint64(int64(dseqIn) - 1)
		}

		buf1Free := !s.buf1.Valid || (s.buf1.CID == in.CID && s.buf1.DestPort == in.DestPort)
		if dseqIn > 1 && dseqIO > 1 && buf1Free {
			s.buf1.copyFrom(in)
			in.Valid = false
			return nil, false
		}

		if dseqIn < 0 {
			st.SeqErrIn++
		}

		if dseqIn < -1 || (dseqIO > 1 && dseqIn > 0) {
			if s.buf1.Valid && s.buf1.CID == in.CID && s.buf1.DestPort == in.DestPort && s.buf1.Seq < in.Seq {
				s.buf2.copyFrom(in)
				out := &s.buf1
				s.buf1.Valid = false
				dseqOut := deltaSeq(s.seqOut, out)
				if dseqOut < 0 {
					s.statFor(out.CID).SeqErrOut++
				}
				return out, true
			}
		}

		dseqOut := deltaSeq(s.seqOut, in)
		in.Valid = false
		if dseqOut < 0 {
			st.SeqErrOut++
		}
		return in, true
	}

	if s.buf1.Valid {
		out := &s.buf1
		dseqOut := deltaSeq(s.seqOut, out)
		s.buf1.Valid = false
		if dseqOut < 0 {
			s.statFor(out.CID).SeqErrOut++
		}
		return out, true
	}

	if s.buf2.Valid {
		out := &s.buf2
		dseqOut := deltaSeq(s.seqOut, out)
		s.buf2.Valid = false
		if dseqOut < 0 {
			s.statFor(out.CID).SeqErrOut++
		}
		return out, true
	}

	return nil, false
}

// Stat returns a copy of id's current sequencing statistics. Safe to call
// concurrently with Process.
func (s *Sorter) Stat(id uint8) Stat {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	if st, ok := s.stat[id]; ok {
		return *st
	}
	return Stat{}
}

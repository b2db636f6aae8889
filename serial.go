package vkgraph

import "fmt"

// MaxQueues is the maximum number of submission queues a Device can expose.
// Queue indices are in the range [0, MaxQueues).
const MaxQueues = 4

// maxSerial is the largest representable serial number (62 bits).
const maxSerial = 1<<62 - 1

// SubmissionNumber identifies a pass and the queue it was (or will be)
// submitted on. It packs a queue index in the top two bits and a serial
// number (SN) in the low 62 bits.
//
// Serial numbers are unique across a Device regardless of queue: there can
// never be two submission numbers with the same serial but different
// queues. SN 0 is reserved as "invalid / never touched", so the zero value
// of SubmissionNumber is invalid.
type SubmissionNumber uint64

// NewSubmissionNumber packs a queue index and a serial number.
// It panics if queue or serial are out of range; both are produced
// internally by the Device and are never user input.
func NewSubmissionNumber(queue int, serial uint64) SubmissionNumber {
	if queue < 0 || queue >= MaxQueues {
		panic("vkgraph: queue index out of range")
	}
	if serial > maxSerial {
		panic("vkgraph: serial number overflow")
	}
	return SubmissionNumber(uint64(queue)<<62 | serial)
}

// Queue returns the queue index the pass is submitted on.
func (s SubmissionNumber) Queue() int { return int(s >> 62) }

// Serial returns the device-wide serial number of the pass.
func (s SubmissionNumber) Serial() uint64 { return uint64(s) & maxSerial }

// IsValid reports whether s refers to an actual pass (serial != 0).
func (s SubmissionNumber) IsValid() bool { return s.Serial() != 0 }

// String renders the submission number in "queue:serial" form, e.g. "0:47".
func (s SubmissionNumber) String() string {
	return fmt.Sprintf("%d:%d", s.Queue(), s.Serial())
}

// QueueSerialVector holds one serial number per queue. It expresses a
// point in the device's multi-queue timeline: the vector is "reached"
// once every queue Q has advanced its timeline semaphore to at least
// v[Q]. A zero entry places no constraint on that queue.
//
// Vectors are partially ordered: two vectors may be incomparable, but
// their join (componentwise max) is always defined.
type QueueSerialVector [MaxQueues]uint64

// QueueSerialVectorFor returns a vector that is zero everywhere except
// at the queue of snn, where it holds snn's serial.
func QueueSerialVectorFor(snn SubmissionNumber) QueueSerialVector {
	var v QueueSerialVector
	v[snn.Queue()] = snn.Serial()
	return v
}

// Join returns the componentwise maximum of v and other.
func (v QueueSerialVector) Join(other QueueSerialVector) QueueSerialVector {
	for i := range v {
		if other[i] > v[i] {
			v[i] = other[i]
		}
	}
	return v
}

// JoinSerial returns v with the entry for snn's queue raised to at least
// snn's serial.
func (v QueueSerialVector) JoinSerial(snn SubmissionNumber) QueueSerialVector {
	q := snn.Queue()
	if sn := snn.Serial(); sn > v[q] {
		v[q] = sn
	}
	return v
}

// IsZero reports whether every entry is zero.
func (v QueueSerialVector) IsZero() bool {
	for _, sn := range v {
		if sn != 0 {
			return false
		}
	}
	return true
}

// LessOrEqual reports whether v <= other in the partial order, i.e.
// whether reaching other implies having reached v.
func (v QueueSerialVector) LessOrEqual(other QueueSerialVector) bool {
	for i := range v {
		if v[i] > other[i] {
			return false
		}
	}
	return true
}

// String renders the vector as "[s0 s1 s2 s3]".
func (v QueueSerialVector) String() string {
	return fmt.Sprint([MaxQueues]uint64(v))
}

// confinedTo reports whether every non-zero entry of v lies on the
// given queue.
func (v QueueSerialVector) confinedTo(queue int) bool {
	for i, sn := range v {
		if i != queue && sn != 0 {
			return false
		}
	}
	return true
}

// singleSourceSameQueueAndFrame reports whether the only non-zero entry
// of v is at the given queue, with a serial inside the current frame
// (strictly greater than baseSerial). This is the condition under which
// a dependency can be expressed as an intra-queue pipeline barrier
// instead of a semaphore wait.
func (v QueueSerialVector) singleSourceSameQueueAndFrame(queue int, baseSerial uint64) bool {
	for i, sn := range v {
		if i != queue && sn != 0 {
			return false
		}
		if i == queue && sn != 0 && sn <= baseSerial {
			return false
		}
	}
	return true
}

// FrameNumber counts submitted frames on a Device, starting at 1.
type FrameNumber uint64

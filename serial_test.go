package vkgraph

import "testing"

func TestSubmissionNumberPacking(t *testing.T) {
	tests := []struct {
		name   string
		queue  int
		serial uint64
	}{
		{"queue 0", 0, 1},
		{"queue 3", 3, 1},
		{"large serial", 2, maxSerial},
		{"serial 42", 1, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSubmissionNumber(tt.queue, tt.serial)
			if got := s.Queue(); got != tt.queue {
				t.Errorf("Queue() = %d, want %d", got, tt.queue)
			}
			if got := s.Serial(); got != tt.serial {
				t.Errorf("Serial() = %d, want %d", got, tt.serial)
			}
			if !s.IsValid() {
				t.Error("IsValid() = false for non-zero serial")
			}
		})
	}
}

func TestSubmissionNumberZeroInvalid(t *testing.T) {
	var s SubmissionNumber
	if s.IsValid() {
		t.Error("zero SubmissionNumber should be invalid")
	}
	// Queue bits without a serial are still invalid.
	if NewSubmissionNumber(3, 0).IsValid() {
		t.Error("serial 0 should be invalid on any queue")
	}
}

func TestSubmissionNumberString(t *testing.T) {
	if got := NewSubmissionNumber(2, 47).String(); got != "2:47" {
		t.Errorf("String() = %q, want %q", got, "2:47")
	}
}

func TestSubmissionNumberPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}
	mustPanic("queue out of range", func() { NewSubmissionNumber(MaxQueues, 1) })
	mustPanic("negative queue", func() { NewSubmissionNumber(-1, 1) })
	mustPanic("serial overflow", func() { NewSubmissionNumber(0, maxSerial+1) })
}

func TestQueueSerialVectorFor(t *testing.T) {
	v := QueueSerialVectorFor(NewSubmissionNumber(2, 9))
	want := QueueSerialVector{0, 0, 9, 0}
	if v != want {
		t.Errorf("QueueSerialVectorFor() = %v, want %v", v, want)
	}
}

func TestQueueSerialVectorJoin(t *testing.T) {
	tests := []struct {
		name string
		a, b QueueSerialVector
		want QueueSerialVector
	}{
		{"disjoint", QueueSerialVector{1, 0, 0, 0}, QueueSerialVector{0, 2, 0, 0}, QueueSerialVector{1, 2, 0, 0}},
		{"overlap takes max", QueueSerialVector{5, 1, 0, 0}, QueueSerialVector{3, 4, 0, 0}, QueueSerialVector{5, 4, 0, 0}},
		{"zero identity", QueueSerialVector{7, 8, 9, 10}, QueueSerialVector{}, QueueSerialVector{7, 8, 9, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Join(tt.b); got != tt.want {
				t.Errorf("Join() = %v, want %v", got, tt.want)
			}
			// Join is commutative.
			if got := tt.b.Join(tt.a); got != tt.want {
				t.Errorf("Join() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueueSerialVectorJoinSerial(t *testing.T) {
	v := QueueSerialVector{5, 0, 0, 0}
	v = v.JoinSerial(NewSubmissionNumber(0, 3))
	if v[0] != 5 {
		t.Errorf("JoinSerial with lower serial lowered entry: %v", v)
	}
	v = v.JoinSerial(NewSubmissionNumber(1, 7))
	if v[1] != 7 {
		t.Errorf("JoinSerial did not raise entry: %v", v)
	}
}

func TestQueueSerialVectorLessOrEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b QueueSerialVector
		want bool
	}{
		{"equal", QueueSerialVector{1, 2, 0, 0}, QueueSerialVector{1, 2, 0, 0}, true},
		{"strictly less", QueueSerialVector{1, 2, 0, 0}, QueueSerialVector{2, 3, 0, 0}, true},
		{"greater on one queue", QueueSerialVector{3, 0, 0, 0}, QueueSerialVector{2, 9, 9, 9}, false},
		{"zero less than anything", QueueSerialVector{}, QueueSerialVector{1, 0, 0, 0}, true},
		{"incomparable", QueueSerialVector{1, 0, 0, 0}, QueueSerialVector{0, 1, 0, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.LessOrEqual(tt.b); got != tt.want {
				t.Errorf("LessOrEqual() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueueSerialVectorIncomparable(t *testing.T) {
	// Two vectors may be incomparable in both directions; their join is
	// still an upper bound of both.
	a := QueueSerialVector{4, 1, 0, 0}
	b := QueueSerialVector{2, 3, 0, 0}
	if a.LessOrEqual(b) || b.LessOrEqual(a) {
		t.Fatal("expected incomparable vectors")
	}
	j := a.Join(b)
	if !a.LessOrEqual(j) || !b.LessOrEqual(j) {
		t.Errorf("Join(%v, %v) = %v is not an upper bound", a, b, j)
	}
}

func TestQueueSerialVectorIsZero(t *testing.T) {
	if !(QueueSerialVector{}).IsZero() {
		t.Error("zero vector should report IsZero")
	}
	if (QueueSerialVector{0, 0, 1, 0}).IsZero() {
		t.Error("non-zero vector should not report IsZero")
	}
}

func TestSingleSourceSameQueueAndFrame(t *testing.T) {
	const base = 10
	tests := []struct {
		name  string
		v     QueueSerialVector
		queue int
		want  bool
	}{
		{"empty vector", QueueSerialVector{}, 0, true},
		{"same queue in frame", QueueSerialVector{11, 0, 0, 0}, 0, true},
		{"same queue older frame", QueueSerialVector{10, 0, 0, 0}, 0, false},
		{"other queue", QueueSerialVector{0, 11, 0, 0}, 0, false},
		{"two queues", QueueSerialVector{11, 12, 0, 0}, 0, false},
		{"same queue in frame, queue 2", QueueSerialVector{0, 0, 15, 0}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.singleSourceSameQueueAndFrame(tt.queue, base); got != tt.want {
				t.Errorf("singleSourceSameQueueAndFrame(%v, %d, %d) = %v, want %v",
					tt.v, tt.queue, base, got, tt.want)
			}
		})
	}
}

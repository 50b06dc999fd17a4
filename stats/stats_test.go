package stats

import (
	"testing"

	"github.com/qbench/qbench-go/wire"
)

func sample() *Stat {
	s := New()
	s.MaxCQEs = 17
	for i := range s.TimeS {
		s.TimeS[i] = uint64(100 + i)
		s.TimeE[i] = uint64(900 + i)
	}
	s.S = Counters{Bytes: 1 << 32, Msgs: 42, Errs: 1}
	s.R = Counters{Bytes: 7, Msgs: 7}
	s.RemS = Counters{Bytes: 8, Msgs: 1}
	s.RemR = Counters{Bytes: 9, Msgs: 2, Errs: 3}
	return s
}

func TestEncodeDecode(t *testing.T) {
	s := sample()
	enc := wire.NewEncoder(nil)
	s.Encode(enc)
	if len(enc.Bytes()) != WireSize {
		t.Fatalf("encoded %d bytes, want %d", len(enc.Bytes()), WireSize)
	}

	var got Stat
	if err := got.Decode(wire.NewDecoder(enc.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got != *s {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", got, *s)
	}
}

func TestMergeIsSymmetric(t *testing.T) {
	l := &Stat{
		S:    Counters{Bytes: 100, Msgs: 10},
		RemR: Counters{Bytes: 100, Msgs: 10},
	}
	r := &Stat{
		R:    Counters{Bytes: 40, Msgs: 4},
		RemS: Counters{Bytes: 60, Msgs: 6},
	}
	Merge(l, r)

	// The reader pulled 60 bytes the passive side never saw complete;
	// after merging, both descriptions agree.
	if l.S.Bytes != 160 || l.S.Msgs != 16 {
		t.Errorf("local send = %+v", l.S)
	}
	if r.R.Bytes != 140 || r.R.Msgs != 14 {
		t.Errorf("remote recv = %+v", r.R)
	}
}

func TestNoteCQEs(t *testing.T) {
	var s Stat
	s.NoteCQEs(3)
	s.NoteCQEs(9)
	s.NoteCQEs(5)
	if s.MaxCQEs != 9 {
		t.Fatalf("MaxCQEs = %d, want 9", s.MaxCQEs)
	}
}

func TestRealSeconds(t *testing.T) {
	s := &Stat{NoTicks: 100}
	s.TimeS[TReal] = 1000
	s.TimeE[TReal] = 1200
	if got := s.RealSeconds(); got != 2.0 {
		t.Fatalf("RealSeconds = %v, want 2.0", got)
	}
}

func TestCPUSecondsSkipsRealAndIdle(t *testing.T) {
	s := &Stat{NoTicks: 100}
	for i := 0; i < TimeN; i++ {
		s.TimeS[i] = 0
		s.TimeE[i] = 100
	}
	// 9 samples minus real and idle = 7 samples of 1s each.
	if got := s.CPUSeconds(); got != 7.0 {
		t.Fatalf("CPUSeconds = %v, want 7.0", got)
	}
}

package timing

import (
	"testing"
	"time"

	"github.com/qbench/qbench-go/stats"
)

func TestAlarmSetsFinished(t *testing.T) {
	st := &stats.Stat{NoTicks: 100}
	r := New(st, nil)
	r.Start(0)
	if r.Finished() {
		t.Fatal("finished before alarm")
	}
	r.alarm = time.AfterFunc(10*time.Millisecond, r.Finish)
	deadline := time.Now().Add(2 * time.Second)
	for !r.Finished() {
		if time.Now().After(deadline) {
			t.Fatal("alarm never fired")
		}
		time.Sleep(time.Millisecond)
	}
	r.Stop()
	if st.TimeE[stats.TReal] < st.TimeS[stats.TReal] {
		t.Fatal("end time before start time")
	}
}

func TestFinishIsWriteOnce(t *testing.T) {
	st := &stats.Stat{NoTicks: 100}
	r := New(st, nil)
	r.Start(0)
	r.Finish()
	end := st.TimeE[stats.TReal]
	time.Sleep(15 * time.Millisecond)
	r.Finish()
	r.Stop()
	if st.TimeE[stats.TReal] != end {
		t.Fatal("second Finish moved the end time")
	}
}

func TestStopWithoutAlarm(t *testing.T) {
	st := &stats.Stat{NoTicks: 100}
	r := New(st, nil)
	r.Start(0)
	r.Stop()
	if !r.Finished() {
		t.Fatal("Stop did not finish the run")
	}
}

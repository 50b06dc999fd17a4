// Package param implements the typed parameter table. Parameters come in
// local/remote pairs; the client ships its remote view as the REQUEST and
// the server adopts it for both of its views. The client's local view is
// not sent. Each entry tracks whether the user supplied it and
// whether a driver consumed it, and validation fails for any parameter that
// was set but never used by the selected test.
package param

import (
	"errors"
	"fmt"

	"github.com/qbench/qbench-go/control"
)

// Index names one parameter slot. L* is the local node's view, R* the
// remote's.
type Index int

const (
	Null Index = iota
	LAccessRecv
	RAccessRecv
	LAffinity
	RAffinity
	LAltPort
	RAltPort
	LFlip
	RFlip
	LID
	RID
	LMsgSize
	RMsgSize
	LMTUSize
	RMTUSize
	LNoMsgs
	RNoMsgs
	LPollMode
	RPollMode
	LPort
	RPort
	LRate
	RRate
	LRdAtomic
	RRdAtomic
	LSockBufSize
	RSockBufSize
	LTime
	RTime
	LTimeout
	RTimeout
	NumParams
)

// Kind is the storage type of a parameter.
type Kind int

const (
	Uint32 Kind = iota
	Str
)

var ErrUnused = errors.New("param: parameter not applicable to this test")

type entry struct {
	name string // option name the user set it with
	set  bool
	used bool
}

// Table binds parameter slots to the fields of two Request views.
type Table struct {
	Local  *control.Request
	Remote *control.Request

	entries [NumParams]entry
}

// New returns a table over the given views.
func New(local, remote *control.Request) *Table {
	return &Table{Local: local, Remote: remote}
}

// Clone returns a table over copies of both views, keeping the set bits
// and clearing the used bits. Each test of a run mutates its own clone so
// driver defaults never leak into the next test.
func (t *Table) Clone() *Table {
	l, r := *t.Local, *t.Remote
	nt := &Table{Local: &l, Remote: &r, entries: t.entries}
	nt.ResetUsage()
	return nt
}

// SetU32 records a user-supplied integer parameter. name is the option the
// user typed, kept for diagnostics.
func (t *Table) SetU32(name string, i Index, v uint32) {
	if i == Null {
		return
	}
	*t.u32(i) = v
	t.entries[i].name = name
	t.entries[i].set = true
}

// SetStr records a user-supplied string parameter.
func (t *Table) SetStr(name string, i Index, s string) error {
	if i == Null {
		return nil
	}
	if len(s) >= control.StrSize {
		return fmt.Errorf("param: %q too long for %s (max %d)", s, name, control.StrSize-1)
	}
	*t.str(i) = s
	t.entries[i].name = name
	t.entries[i].set = true
	return nil
}

// Default installs a driver default: the value applies only when the user
// has not set the parameter, and the slot is marked used either way.
func (t *Table) Default(i Index, v uint32) {
	if i == Null {
		return
	}
	e := &t.entries[i]
	e.used = true
	if e.set {
		return
	}
	*t.u32(i) = v
}

// SetV overwrites a value without touching the set/used bookkeeping.
func (t *Table) SetV(i Index, v uint32) {
	if i == Null {
		return
	}
	*t.u32(i) = v
}

// Use marks a parameter as consumed by the current driver.
func (t *Table) Use(indices ...Index) {
	for _, i := range indices {
		if i != Null {
			t.entries[i].used = true
		}
	}
}

// IsSet reports whether the user supplied the parameter.
func (t *Table) IsSet(i Index) bool { return t.entries[i].set }

// IsUsed reports whether a driver consumed the parameter.
func (t *Table) IsUsed(i Index) bool { return t.entries[i].used }

// ValueU32 reads the current value of an integer parameter.
func (t *Table) ValueU32(i Index) uint32 { return *t.u32(i) }

// ValueStr reads the current value of a string parameter.
func (t *Table) ValueStr(i Index) string { return *t.str(i) }

// Validate fails on the first parameter the user set that no driver used.
func (t *Table) Validate(testName string) error {
	for i := Index(1); i < NumParams; i++ {
		e := &t.entries[i]
		if e.set && !e.used {
			return fmt.Errorf("%w: %s (test %s)", ErrUnused, e.name, testName)
		}
	}
	return nil
}

// ResetUsage clears the used bits between tests of a loop run.
func (t *Table) ResetUsage() {
	for i := range t.entries {
		t.entries[i].used = false
	}
}

func (t *Table) req(i Index) *control.Request {
	// Odd indices are local, even remote (Null is 0).
	if i%2 == 1 {
		return t.Local
	}
	return t.Remote
}

func (t *Table) u32(i Index) *uint32 {
	r := t.req(i)
	switch i {
	case LAccessRecv, RAccessRecv:
		return &r.AccessRecv
	case LAffinity, RAffinity:
		return &r.Affinity
	case LAltPort, RAltPort:
		return &r.AltPort
	case LFlip, RFlip:
		return &r.Flip
	case LMsgSize, RMsgSize:
		return &r.MsgSize
	case LMTUSize, RMTUSize:
		return &r.MTUSize
	case LNoMsgs, RNoMsgs:
		return &r.NoMsgs
	case LPollMode, RPollMode:
		return &r.PollMode
	case LPort, RPort:
		return &r.Port
	case LRdAtomic, RRdAtomic:
		return &r.RdAtomic
	case LSockBufSize, RSockBufSize:
		return &r.SockBufSize
	case LTime, RTime:
		return &r.Time
	case LTimeout, RTimeout:
		return &r.Timeout
	}
	panic(fmt.Sprintf("param: index %d is not a uint32 parameter", i))
}

func (t *Table) str(i Index) *string {
	r := t.req(i)
	switch i {
	case LID, RID:
		return &r.ID
	case LRate, RRate:
		return &r.Rate
	}
	panic(fmt.Sprintf("param: index %d is not a string parameter", i))
}

// NamePair maps a user-facing parameter name to its local/remote slots.
type NamePair struct {
	Name string
	Kind Kind
	Loc  Index
	Rem  Index
}

// Names lists every user-settable parameter.
var Names = []NamePair{
	{"access_recv", Uint32, LAccessRecv, RAccessRecv},
	{"affinity", Uint32, LAffinity, RAffinity},
	{"alt_port", Uint32, LAltPort, RAltPort},
	{"flip", Uint32, LFlip, RFlip},
	{"id", Str, LID, RID},
	{"msg_size", Uint32, LMsgSize, RMsgSize},
	{"mtu_size", Uint32, LMTUSize, RMTUSize},
	{"no_msgs", Uint32, LNoMsgs, RNoMsgs},
	{"poll_mode", Uint32, LPollMode, RPollMode},
	{"port", Uint32, LPort, RPort},
	{"rate", Str, LRate, RRate},
	{"rd_atomic", Uint32, LRdAtomic, RRdAtomic},
	{"sock_buf_size", Uint32, LSockBufSize, RSockBufSize},
	{"time", Uint32, LTime, RTime},
	{"timeout", Uint32, LTimeout, RTimeout},
}

// ByName finds a parameter by its user-facing name.
func ByName(name string) (NamePair, bool) {
	for _, p := range Names {
		if p.Name == name {
			return p, true
		}
	}
	return NamePair{}, false
}

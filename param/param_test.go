package param

import (
	"errors"
	"testing"

	"github.com/qbench/qbench-go/control"
)

func newTable() *Table {
	return New(&control.Request{}, &control.Request{})
}

func TestSetU32StoresInBothViews(t *testing.T) {
	tab := newTable()
	tab.SetU32("-m", LMsgSize, 4096)
	tab.SetU32("-m", RMsgSize, 4096)
	if tab.Local.MsgSize != 4096 || tab.Remote.MsgSize != 4096 {
		t.Fatalf("msg_size = %d/%d, want 4096/4096",
			tab.Local.MsgSize, tab.Remote.MsgSize)
	}
}

func TestLocalRemoteSlotsAreIndependent(t *testing.T) {
	tab := newTable()
	tab.SetU32("-lsb", LSockBufSize, 1<<20)
	if tab.Remote.SockBufSize != 0 {
		t.Fatal("local set leaked into remote view")
	}
	tab.SetU32("-rsb", RSockBufSize, 1<<16)
	if tab.Local.SockBufSize != 1<<20 {
		t.Fatal("remote set clobbered local view")
	}
}

func TestDefaultDoesNotOverrideUser(t *testing.T) {
	tab := newTable()
	tab.SetU32("-m", LMsgSize, 128)
	tab.Default(LMsgSize, 65536)
	if tab.Local.MsgSize != 128 {
		t.Fatalf("default overrode user value: %d", tab.Local.MsgSize)
	}
	// But the slot counts as used either way.
	if err := tab.Validate("tcp_bw"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDefaultAppliesWhenUnset(t *testing.T) {
	tab := newTable()
	tab.Default(LMsgSize, 65536)
	if tab.Local.MsgSize != 65536 {
		t.Fatalf("msg_size = %d, want 65536", tab.Local.MsgSize)
	}
}

func TestValidateFailsOnUnusedParameter(t *testing.T) {
	tab := newTable()
	tab.SetU32("-nr", LRdAtomic, 4)
	err := tab.Validate("tcp_bw")
	if !errors.Is(err, ErrUnused) {
		t.Fatalf("got %v, want ErrUnused", err)
	}
	tab.Use(LRdAtomic)
	if err := tab.Validate("tcp_bw"); err != nil {
		t.Fatalf("validate after use: %v", err)
	}
}

func TestSetVDoesNotMarkSet(t *testing.T) {
	tab := newTable()
	tab.SetV(LMsgSize, 8)
	if tab.IsSet(LMsgSize) {
		t.Fatal("SetV marked the parameter as user-set")
	}
	if err := tab.Validate("x"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSetStrRejectsOverlong(t *testing.T) {
	tab := newTable()
	long := make([]byte, control.StrSize)
	for i := range long {
		long[i] = 'x'
	}
	if err := tab.SetStr("-i", LID, string(long)); err == nil {
		t.Fatal("expected error for overlong string")
	}
	if err := tab.SetStr("-i", LID, "mlx5_0:1"); err != nil {
		t.Fatal(err)
	}
	if tab.Local.ID != "mlx5_0:1" {
		t.Fatalf("id = %q", tab.Local.ID)
	}
}

func TestResetUsage(t *testing.T) {
	tab := newTable()
	tab.SetU32("-m", LMsgSize, 1)
	tab.Use(LMsgSize)
	tab.ResetUsage()
	if !errors.Is(tab.Validate("x"), ErrUnused) {
		t.Fatal("ResetUsage did not clear used bits")
	}
}

func TestCloneIsolatesViews(t *testing.T) {
	tab := newTable()
	tab.SetU32("-m", LMsgSize, 128)
	tab.Use(LMsgSize)

	c := tab.Clone()
	if !c.IsSet(LMsgSize) || c.Local.MsgSize != 128 {
		t.Fatal("clone lost the user-set value")
	}
	if c.IsUsed(LMsgSize) {
		t.Fatal("clone kept a used bit")
	}
	c.SetV(LMsgSize, 9)
	if tab.Local.MsgSize != 128 {
		t.Fatal("clone mutation reached the original views")
	}
}

func TestByName(t *testing.T) {
	p, ok := ByName("msg_size")
	if !ok || p.Loc != LMsgSize || p.Rem != RMsgSize || p.Kind != Uint32 {
		t.Fatalf("msg_size lookup: %+v ok=%v", p, ok)
	}
	p, ok = ByName("rate")
	if !ok || p.Kind != Str {
		t.Fatalf("rate lookup: %+v ok=%v", p, ok)
	}
	if _, ok := ByName("bogus"); ok {
		t.Fatal("bogus name resolved")
	}
}

package mailbox

import "testing"

func TestPutTryGet(t *testing.T) {
	mb := New()
	if !mb.Put("greeting", "worker-1", []byte("hi")) {
		t.Fatal("first put should succeed")
	}
	if mb.Put("greeting", "worker-1", []byte("hi again")) {
		t.Fatal("double put should fail")
	}
	v, ok := mb.TryGet("greeting", "worker-1")
	if !ok || string(v) != "hi" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := mb.TryGet("greeting", "worker-1"); ok {
		t.Fatal("TryGet should consume the entry")
	}
}

func TestTryGetAny(t *testing.T) {
	mb := New()
	mb.Put("ping", "worker-3", []byte("x"))
	v, ok := mb.TryGet("ping", ANY)
	if !ok || string(v) != "x" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestStateRoundTrip(t *testing.T) {
	mb := New()
	mb.State("counter", []byte("1"))
	v, ok := mb.TryState("counter")
	if !ok || string(v) != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	keys := mb.StateKeys()
	if len(keys) != 1 || keys[0].Name != "counter" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestAllStateRestore(t *testing.T) {
	mb := New()
	mb.Put("msg", "src", []byte("payload"))
	mb.State("st", []byte("val"))

	dump := mb.AllState()
	if len(dump) != 2 {
		t.Fatalf("dump len=%d", len(dump))
	}

	mb2 := New()
	mb2.Restore(dump)
	if v, ok := mb2.TryGet("msg", "src"); !ok || string(v) != "payload" {
		t.Fatalf("restored message wrong: %q, %v", v, ok)
	}
	if v, ok := mb2.TryState("st"); !ok || string(v) != "val" {
		t.Fatalf("restored state wrong: %q, %v", v, ok)
	}
}

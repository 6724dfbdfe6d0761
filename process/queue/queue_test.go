package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/aislambda/process/function"
)

func loadManifest(t *testing.T, body string) *function.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "function.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := function.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

const directManifest = `{
  "functions": {
    "python": {
      "add": {"code": {"module": "m", "function": "add"}, "trigger": {"type": "direct"}}
    }
  }
}`

const batchManifest = `{
  "functions": {
    "python": {
      "agg": {"code": {"module": "m", "function": "agg"}, "trigger": {"type": "batch"}}
    }
  }
}`

func TestAddPayloadAndNextDirect(t *testing.T) {
	reg := loadManifest(t, directManifest)
	q := New(reg)

	inv := &Invocation{ID: "inv-1", FunctionName: "add", Payloads: [][]byte{[]byte("x")}}
	if err := q.AddPayload(inv); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Fatalf("pending len=%d", q.Len())
	}
	got, ok := q.Next()
	if !ok || got.ID != "inv-1" {
		t.Fatalf("got=%v ok=%v", got, ok)
	}
	if q.Len() != 0 || q.ActiveLen() != 1 {
		t.Fatalf("pending=%d active=%d", q.Len(), q.ActiveLen())
	}
	q.Finish("inv-1")
	if q.ActiveLen() != 0 {
		t.Fatalf("active after finish=%d", q.ActiveLen())
	}
}

func TestAddPayloadUnknownFunction(t *testing.T) {
	reg := loadManifest(t, directManifest)
	q := New(reg)
	err := q.AddPayload(&Invocation{ID: "inv-2", FunctionName: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
}

func TestAddPayloadUnimplementedTrigger(t *testing.T) {
	reg := loadManifest(t, batchManifest)
	q := New(reg)
	err := q.AddPayload(&Invocation{ID: "inv-3", FunctionName: "agg"})
	if err == nil {
		t.Fatal("expected NotImplemented error for batch trigger")
	}
}

func TestNextSkipsNotReady(t *testing.T) {
	reg := loadManifest(t, directManifest)
	q := New(reg)
	if _, ok := q.Next(); ok {
		t.Fatal("empty queue should report not ready")
	}
}

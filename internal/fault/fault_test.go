package fault

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := UnknownType("decode", []string{"Outer", "inner"}, "Missing")
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("unknown type must not match malformed")
	}
	wrapped := fmt.Errorf("request 7: %w", err)
	if KindOf(wrapped) != KindUnknownType {
		t.Fatalf("KindOf through wrap = %v", KindOf(wrapped))
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := New(KindSymbolNotFound, "resolve").Module("plugins/hdf5.wasm").Symbol("uda_entry").Build()
	msg := err.Error()
	for _, want := range []string{"[resolve]", "symbol_not_found", "module=plugins/hdf5.wasm", "symbol=uda_entry"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	v := VersionUnsupported("decode", 9, 1, 3)
	if !strings.Contains(v.Error(), "expected version in [1,3], found version 9") {
		t.Fatalf("unexpected version message: %q", v.Error())
	}
}

func TestTransportUnwrap(t *testing.T) {
	err := Transport("read", io.ErrClosedPipe)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected cause to unwrap")
	}
	if Label(err) != "transport_error" || Label(nil) != "ok" || Label(io.EOF) != "other" {
		t.Fatalf("unexpected labels")
	}
}

func TestStackFromErrors(t *testing.T) {
	var s Stack
	s.Warn("kv.get", 3, "key %q is stale", "a")
	if s.HasErrors() {
		t.Fatalf("warnings alone are not errors")
	}
	s.PushError("dispatch", New(KindDispatch, "dispatch").Code(42).Detail("boom").Build())
	s.PushError("stream", Transport("write", io.ErrClosedPipe))
	s.PushError("noop", nil)

	recs := s.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[1].Code != 42 || recs[1].Severity != SeverityError {
		t.Fatalf("dispatch record = %+v", recs[1])
	}
	if recs[2].Severity != SeverityFatal || recs[2].Code != int32(KindTransport) {
		t.Fatalf("transport record = %+v", recs[2])
	}
	recs[0].Message = "mutated"
	if s.Records()[0].Message == "mutated" {
		t.Fatalf("Records must return a copy")
	}
}

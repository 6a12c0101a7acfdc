// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package executor

import (
	"testing"

	"grimm.is/ratewall/internal/errors"
)

func TestParseOutputHandleLine(t *testing.T) {
	raw := "add rule inet traffic_filter traffic_input ip saddr 10.0.0.1 drop # handle 42\n"
	objs, err := ParseOutput(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}
	add, ok := objs[0].(Add)
	if !ok {
		t.Fatalf("expected Add, got %T", objs[0])
	}
	if add.Handle != 42 {
		t.Errorf("expected handle 42, got %d", add.Handle)
	}
}

func TestParseOutputMixed(t *testing.T) {
	raw := "table inet traffic_filter\nadd rule inet t c ip saddr 10.0.0.1 drop # handle 7\n\nwarning: something\n"
	objs, err := ParseOutput(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objs))
	}
	if _, ok := objs[0].(Other); !ok {
		t.Errorf("expected Other first, got %T", objs[0])
	}
	if a, ok := objs[1].(Add); !ok || a.Handle != 7 {
		t.Errorf("expected Add{7}, got %#v", objs[1])
	}
}

func TestParseOutputBadHandleNumber(t *testing.T) {
	objs, err := ParseOutput("something # handle xyz\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := objs[0].(Other); !ok {
		t.Errorf("non-numeric handle must fall through to Other, got %T", objs[0])
	}
}

func TestFirstHandle(t *testing.T) {
	h, err := FirstHandle([]Object{Add{Handle: 9}, Other{Raw: "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != 9 {
		t.Errorf("expected 9, got %d", h)
	}
}

func TestFirstHandleErrors(t *testing.T) {
	if _, err := FirstHandle(nil); errors.GetKind(err) != errors.KindParseError {
		t.Errorf("empty output must be a parse error, got %v", err)
	}
	if _, err := FirstHandle([]Object{Other{Raw: "x"}, Add{Handle: 1}}); errors.GetKind(err) != errors.KindParseError {
		t.Errorf("non-Add leading object must be a parse error, got %v", err)
	}
}

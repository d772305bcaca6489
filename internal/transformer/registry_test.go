package transformer

import (
	"errors"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	Register("test_upper_x", func(v any) (any, error) { return "X", nil })

	f, err := Lookup("test_upper_x")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	got, err := f("a")
	if err != nil || got != "X" {
		t.Fatalf("f(a)=%v,%v want X,nil", got, err)
	}

	found := false
	for _, n := range Names() {
		if n == "test_upper_x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Names() missing test_upper_x: %v", Names())
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("does_not_exist"); err == nil {
		t.Fatalf("expected error for unknown transform")
	}
}

func TestRegisterPanics(t *testing.T) {
	Register("test_dup", func(v any) (any, error) { return nil, errors.New("x") })

	cases := []struct {
		name string
		fn   func()
	}{
		{"empty_name", func() { Register("", func(v any) (any, error) { return v, nil }) }},
		{"nil_func", func() { Register("test_nil", nil) }},
		{"duplicate", func() { Register("test_dup", func(v any) (any, error) { return v, nil }) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			tc.fn()
		})
	}
}

func TestRowPoolZeroesValues(t *testing.T) {
	r := GetRow(3)
	r.V[0], r.V[1], r.V[2] = "a", "b", "c"
	r.Line = 9
	r.Free()

	r2 := GetRow(2)
	if len(r2.V) != 2 || r2.Line != 0 {
		t.Fatalf("GetRow(2) len=%d line=%d", len(r2.V), r2.Line)
	}
	for i, v := range r2.V {
		if v != nil {
			t.Fatalf("V[%d]=%v want nil", i, v)
		}
	}

	r2.Drop()
	if r2.V != nil {
		t.Fatalf("Drop must release V")
	}
}

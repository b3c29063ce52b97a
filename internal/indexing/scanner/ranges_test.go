package scanner

import (
	"reflect"
	"testing"
)

func TestRangeSplit(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		max  uint64
		want []Range
	}{
		{"fits", Range{10, 19}, 10, []Range{{10, 19}}},
		{"uneven", Range{0, 2500}, 1000, []Range{{0, 999}, {1000, 1999}, {2000, 2500}}},
		{"single block", Range{7, 7}, 1000, []Range{{7, 7}}},
		{"no limit", Range{0, 5000}, 0, []Range{{0, 5000}}},
		{"empty", Range{5, 4}, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Split(tt.max); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("100-200")
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != 100 || r.End != 200 || r.Size() != 101 || r.String() != "100-200" {
		t.Fatalf("unexpected range %+v", r)
	}
	if _, err := ParseRange("200-100"); err == nil {
		t.Error("expected error for reversed range")
	}
	if _, err := ParseRange("abc"); err == nil {
		t.Error("expected error for garbage")
	}
}

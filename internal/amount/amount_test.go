package amount

import "testing"

func TestFormat(t *testing.T) {
	if got := Format(1_500_000, 1_000_000); got != "1.5" {
		t.Fatalf("format = %q", got)
	}
	if got := Format(42, 1); got != "42" {
		t.Fatalf("format = %q", got)
	}
}

func TestParse(t *testing.T) {
	got, err := Parse("2.25", 1_000_000)
	if err != nil || got != 2_250_000 {
		t.Fatalf("parse = %d, %v", got, err)
	}
	if _, err := Parse("0.0000001", 1_000_000); err == nil {
		t.Fatalf("expected sub-unit amount rejected")
	}
	if _, err := Parse("-1", 1_000_000); err == nil {
		t.Fatalf("expected negative amount rejected")
	}
	if _, err := Parse("abc", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}

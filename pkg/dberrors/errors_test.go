package dberrors

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestClassMatching(t *testing.T) {
	err := New(Validation, "key too large: %d bytes", 70000)
	if !Is(err, Validation) {
		t.Fatal("expected the validation class to match")
	}
	if Is(err, Durability) {
		t.Fatal("a validation error must not match durability")
	}
	if Is(nil, Validation) {
		t.Fatal("nil matches no class")
	}
	if Is(errors.New("plain"), Validation) {
		t.Fatal("unclassified errors match no class")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(Durability, io.ErrUnexpectedEOF, "append fragment")
	if !Is(err, Durability) {
		t.Fatal("expected the durability class")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("the cause must stay reachable through Unwrap")
	}
	if Wrap(Durability, nil, "nothing happened") != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestClassSurvivesFurtherWrapping(t *testing.T) {
	inner := New(Integrity, "block checksum mismatch")
	outer := fmt.Errorf("segment 7: %w", inner)
	if !Is(outer, Integrity) {
		t.Fatal("the class must be found through wrapped errors")
	}
}

func TestClassStrings(t *testing.T) {
	classes := map[Class]string{
		Validation:  "validation",
		Durability:  "durability",
		Integrity:   "integrity",
		Recovery:    "recovery",
		Concurrency: "concurrency",
	}
	for c, want := range classes {
		if c.String() != want {
			t.Fatalf("class %d: expected %q, got %q", c, want, c.String())
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Fatal("the sentinel must match itself")
	}
	if !IsNotFound(fmt.Errorf("get: %w", ErrNotFound)) {
		t.Fatal("wrapped not-found must match")
	}
	if IsNotFound(New(Validation, "bad key")) {
		t.Fatal("a validation error is not a miss")
	}
}

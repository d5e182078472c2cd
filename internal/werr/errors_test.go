package werr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := Malformedf("bad frame type %d", 7)
	wrapped := errors.New("context: " + base.Error())
	if KindOf(base) != Malformed {
		t.Fatalf("expected Malformed, got %v", KindOf(base))
	}
	if KindOf(fmt.Errorf("context: %w", base)) != Malformed {
		t.Fatalf("expected KindOf to unwrap a %%w-wrapped *Error to Malformed")
	}
	if KindOf(wrapped) != Internal {
		t.Fatalf("plain errors.New should not unwrap to a Kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := Wrap(Transport, "stream closed", inner)
	if !errors.Is(e, inner) {
		t.Fatalf("expected errors.Is to see the wrapped cause")
	}
	if e.Kind != Transport {
		t.Fatalf("expected Transport kind")
	}
}

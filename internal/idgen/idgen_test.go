package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ord_")
	if !strings.HasPrefix(id, "ord_") {
		t.Fatalf("expected ord_ prefix, got %s", id)
	}
	if len(id) != len("ord_")+24 {
		t.Errorf("unexpected length %d", len(id))
	}
	if WithPrefix("ord_") == id {
		t.Error("expected distinct ids")
	}
}

func TestReference(t *testing.T) {
	ref := Reference("EXTRA")
	if !strings.HasPrefix(ref, "EXTRA-") {
		t.Fatalf("expected EXTRA- prefix, got %s", ref)
	}
	if strings.ToUpper(ref) != ref {
		t.Errorf("expected uppercase reference, got %s", ref)
	}
}

package main

import (
	"errors"
	"testing"

	"maintline/internal/domain"
)

func TestParseItems(t *testing.T) {
	items, err := parseItems([]string{"p1:2", "p2:1:spare for next cycle"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 2 || items[0].PartID != "p1" || items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[1].Note != "spare for next cycle" {
		t.Fatalf("note not kept: %+v", items[1])
	}
	for _, bad := range []string{"p1", "p1:x"} {
		_, err := parseItems([]string{bad})
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%q: expected validation error, got %v", bad, err)
		}
	}
}

func TestParseDecisions(t *testing.T) {
	ds, err := parseDecisions([]string{"i1=3", "i2=0"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ds) != 2 || ds[0].ItemID != "i1" || *ds[0].QuantityApproved != 3 || *ds[1].QuantityApproved != 0 {
		t.Fatalf("unexpected decisions %+v", ds)
	}
	if _, err := parseDecisions([]string{"=2"}); err == nil {
		t.Fatal("expected error for missing item id")
	}
	if _, err := parseDecisions([]string{"i1"}); err == nil {
		t.Fatal("expected error for missing quantity")
	}
}

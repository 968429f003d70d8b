package dashpoll

import (
	"errors"
	"reflect"
	"testing"
)

func TestMemoryDocument(t *testing.T) {
	d := NewMemoryDocument("a", "b")

	if err := d.SetContent("a", "<i>hi</i>"); err != nil {
		t.Fatalf("SetContent() error = %v", err)
	}

	if got, ok := d.Content("a"); !ok || got != "<i>hi</i>" {
		t.Fatalf("Content(a) = %q, %v", got, ok)
	}

	err := d.SetContent("c", "x")
	if !errors.Is(err, ErrUnknownElement) {
		t.Fatalf("expected ErrUnknownElement, got %v", err)
	}
	if _, ok := d.Content("c"); ok {
		t.Fatalf("unknown element was created by SetContent")
	}

	// Registering again keeps the content.
	d.Register("a", "c")
	want := map[string]string{"a": "<i>hi</i>", "b": "", "c": ""}
	if got := d.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}

	snapshot := d.Snapshot()
	snapshot["a"] = "changed"
	if got, _ := d.Content("a"); got != "<i>hi</i>" {
		t.Fatalf("mutating Snapshot() changed the document")
	}
}

func TestChartView(t *testing.T) {
	v := NewChartView()
	if _, _, ok := v.Bounds(); ok {
		t.Fatalf("new view should have no bounds")
	}

	v.SetXBounds(1, 2)
	v.Update()
	v.SetXBounds(3, 4)
	v.Update()

	min, max, ok := v.Bounds()
	if !ok || min != 3 || max != 4 {
		t.Fatalf("Bounds() = %v, %v, %v", min, max, ok)
	}
	if v.Redraws() != 2 {
		t.Fatalf("Redraws() = %d, want 2", v.Redraws())
	}
}

package convert

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type sample struct {
	Name    string         `json:"name"`
	Count   int            `json:"count"`
	When    time.Time      `json:"when"`
	Maybe   *string        `json:"maybe,omitempty"`
	Tags    []string       `json:"tags"`
	Payload []byte         `json:"payload"`
	Nested  map[string]any `json:"nested"`
}

func TestStructRoundTrip(t *testing.T) {
	t.Parallel()

	when := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	in := sample{
		Name:    "exporter",
		Count:   3,
		When:    when,
		Tags:    []string{"a", "b"},
		Payload: []byte{1, 2, 3},
		Nested:  map[string]any{"city": "Oslo"},
	}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	if got := s.GetFields()["name"].GetStringValue(); got != "exporter" {
		t.Fatalf("name: %q", got)
	}
	if _, ok := s.GetFields()["maybe"]; ok {
		t.Fatalf("omitempty field must be absent")
	}

	var out sample
	if err := FromStruct(s, &out); err != nil {
		t.Fatalf("FromStruct: %v", err)
	}
	if out.Name != in.Name || out.Count != 3 || !out.When.Equal(when) {
		t.Fatalf("mismatch: %+v", out)
	}
	if string(out.Payload) != "\x01\x02\x03" || len(out.Tags) != 2 || out.Nested["city"] != "Oslo" {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestToStruct_RejectsNonObject(t *testing.T) {
	t.Parallel()

	if _, err := ToStruct([]int{1, 2}); err == nil {
		t.Fatalf("want error for a list")
	}
	s, err := ToStruct(nil)
	if err != nil || len(s.GetFields()) != 0 {
		t.Fatalf("nil must give empty struct: %v", err)
	}
}

func TestFromStruct_TypeMismatch(t *testing.T) {
	t.Parallel()

	s, _ := structpb.NewStruct(map[string]any{"count": "three"})
	var out sample
	if err := FromStruct(s, &out); err == nil {
		t.Fatalf("want decode error")
	}
	if err := FromStruct(nil, &out); err != nil {
		t.Fatalf("nil struct: %v", err)
	}
}

func TestItemsAndDuration(t *testing.T) {
	t.Parallel()

	s, err := ToStruct(Items[string](nil))
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	if l := s.GetFields()["items"].GetListValue(); l == nil || len(l.GetValues()) != 0 {
		t.Fatalf("want empty list, got %v", s.GetFields()["items"])
	}
	if Duration(90) != 90*time.Second || Duration(-1) != 0 {
		t.Fatalf("duration mismatch")
	}
}

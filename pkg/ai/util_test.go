package ai

import "testing"

type sampleOut struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestUnmarshalFlexible_StandardJSON(t *testing.T) {
	var out sampleOut
	if err := UnmarshalFlexible(`{"name": "test", "count": 2}`, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "test" || out.Count != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestUnmarshalFlexible_DoubleEncoded(t *testing.T) {
	var out sampleOut
	if err := UnmarshalFlexible(`"{\"name\": \"test\", \"count\": 1}"`, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "test" || out.Count != 1 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestUnmarshalFlexible_RepairsMalformed(t *testing.T) {
	var out sampleOut
	if err := UnmarshalFlexible(`{name: "test", count: 3}`, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "test" || out.Count != 3 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestUnmarshalFlexible_DuplicateLeadingBrace(t *testing.T) {
	var out sampleOut
	if err := UnmarshalFlexible(`{ {"name": "test", "count": 4}`, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "test" || out.Count != 4 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestUnmarshalFlexible_FailsOnGarbage(t *testing.T) {
	var out sampleOut
	if err := UnmarshalFlexible(`the entity is probably a duplicate`, &out); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}

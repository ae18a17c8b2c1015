package types

import (
	"strings"
	"testing"
)

func TestEntityValidate(t *testing.T) {
	e := &Entity{Name: "Ada Lovelace", Kind: KindPerson}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() failed for valid entity: %v", err)
	}

	e = &Entity{Name: ""}
	if err := e.Validate(); err == nil {
		t.Error("Validate() accepted an entity without a name")
	}

	e = &Entity{Name: "x", Kind: EntityKind("robot")}
	if err := e.Validate(); err == nil {
		t.Error("Validate() accepted an unknown kind")
	}
}

func TestEntityKindValidation(t *testing.T) {
	for _, k := range []EntityKind{KindPerson, KindFictional, KindPublicFigure} {
		if !IsValidEntityKind(k) {
			t.Errorf("IsValidEntityKind(%q) = false, want true", k)
		}
	}
	if IsValidEntityKind("alien") {
		t.Error("IsValidEntityKind accepted an unknown kind")
	}
}

func TestRatingValidateConfidenceBounds(t *testing.T) {
	base := Rating{
		EntityID: "e1",
		UserID:   "u1",
		System:   "mbti",
		TypeCode: "INTJ",
	}

	for _, c := range []float64{0, 0.5, 1} {
		r := base
		r.Confidence = c
		if err := r.Validate(); err != nil {
			t.Errorf("Validate() rejected confidence %v: %v", c, err)
		}
	}
	for _, c := range []float64{-0.01, 1.01, 2} {
		r := base
		r.Confidence = c
		if err := r.Validate(); err == nil {
			t.Errorf("Validate() accepted out-of-range confidence %v", c)
		}
	}
}

func TestRatingValidateRequiredFields(t *testing.T) {
	r := Rating{Confidence: 0.5}
	if err := r.Validate(); err == nil {
		t.Error("Validate() accepted a rating without entity, user, or code")
	}
}

func TestCommentValidate(t *testing.T) {
	c := &Comment{EntityID: "e1", UserID: "u1", Content: "insightful"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() failed for valid comment: %v", err)
	}

	c = &Comment{EntityID: "e1", UserID: "u1", Content: "   "}
	if err := c.Validate(); err == nil {
		t.Error("Validate() accepted a blank comment")
	}
}

func TestSeedTypingSystems(t *testing.T) {
	systems := SeedTypingSystems()

	want := map[string]int{
		"mbti":      16,
		"enneagram": 9,
		"socionics": 16,
	}
	if len(systems) != len(want) {
		t.Fatalf("got %d systems, want %d", len(systems), len(want))
	}
	for _, s := range systems {
		n, ok := want[s.Name]
		if !ok {
			t.Errorf("unexpected system %q", s.Name)
			continue
		}
		if len(s.Codes) != n {
			t.Errorf("system %q has %d codes, want %d", s.Name, len(s.Codes), n)
		}
		for _, code := range s.Codes {
			if strings.TrimSpace(code) == "" {
				t.Errorf("system %q contains a blank code", s.Name)
			}
		}
	}
}

func TestTypingSystemContains(t *testing.T) {
	s := TypingSystem{Name: "mbti", Codes: []string{"INTJ", "ENFP"}}
	if !s.Contains("INTJ") {
		t.Error("Contains(INTJ) = false, want true")
	}
	if s.Contains("XXXX") {
		t.Error("Contains(XXXX) = true, want false")
	}
}

func TestMutableEntityFields(t *testing.T) {
	for _, f := range []string{"name", "description", "category", "source", "notes"} {
		if !MutableEntityFields[f] {
			t.Errorf("field %q should be mutable", f)
		}
	}
	for _, f := range []string{"id", "kind", "created_at", "metadata"} {
		if MutableEntityFields[f] {
			t.Errorf("field %q should not be mutable", f)
		}
	}
}

// ABOUTME: Tests for the closed field set and typed field values.
package kennel

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFieldTierAssignments(t *testing.T) {
	tests := []struct {
		field Field
		tier  Tier
	}{
		{FieldProfileName, TierIdentity},
		{FieldProfileOwnerName, TierIdentity},
		{FieldProfileOwnerPhone, TierIdentity},
		{FieldProfileMedicalNotes, TierMedical},
		{FieldProfileBreed, TierOperational},
		{FieldSessionArrival, TierOperational},
		{FieldSessionDeparture, TierOperational},
		{FieldSessionBoarding, TierOperational},
		{FieldSessionBoardingEnd, TierOperational},
		{FieldProfileBehaviorNotes, TierNotes},
		{FieldSessionNotes, TierNotes},
		{FieldProfileVisitCount, TierDerived},
		{FieldProfileLastVisit, TierDerived},
	}
	for _, tt := range tests {
		if got := tt.field.Tier(); got != tt.tier {
			t.Errorf("%s tier = %s, want %s", tt.field, got, tt.tier)
		}
	}
}

func TestFieldByNameRoundTrip(t *testing.T) {
	for _, kind := range []EntityKind{KindProfile, KindSession} {
		for _, f := range fieldsFor(kind) {
			got, ok := FieldByName(f.String())
			if !ok || got != f {
				t.Errorf("FieldByName(%q) = (%v, %v)", f.String(), got, ok)
			}
			if f.EntityKind() != kind {
				t.Errorf("%s reported kind %s, want %s", f, f.EntityKind(), kind)
			}
		}
	}
	if _, ok := FieldByName("profile.nope"); ok {
		t.Error("unknown name resolved")
	}
}

func TestFieldsForCoversEveryField(t *testing.T) {
	seen := make(map[Field]bool)
	for _, kind := range []EntityKind{KindProfile, KindSession} {
		for _, f := range fieldsFor(kind) {
			if seen[f] {
				t.Errorf("%s listed twice", f)
			}
			seen[f] = true
		}
	}
	if len(seen) != len(fieldNames) {
		t.Errorf("fieldsFor covers %d fields, want %d", len(seen), len(fieldNames))
	}
}

func TestFieldValueAccessors(t *testing.T) {
	if s, ok := StringValue("x").AsString(); !ok || s != "x" {
		t.Errorf("AsString = (%q, %v)", s, ok)
	}
	if _, ok := StringValue("x").AsInt(); ok {
		t.Error("string variant answered AsInt")
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if got, ok := TimeValue(at).AsTime(); !ok || !got.Equal(at) {
		t.Errorf("AsTime = (%v, %v)", got, ok)
	}
	if b, ok := BoolValue(true).AsBool(); !ok || !b {
		t.Errorf("AsBool = (%v, %v)", b, ok)
	}
	if i, ok := IntValue(7).AsInt(); !ok || i != 7 {
		t.Errorf("AsInt = (%d, %v)", i, ok)
	}

	if !StringValue("a").Equal(StringValue("a")) {
		t.Error("equal strings not equal")
	}
	if StringValue("a").Equal(IntValue(0)) {
		t.Error("different variants compared equal")
	}
}

func TestFieldValueJSON(t *testing.T) {
	values := []FieldValue{
		StringValue("hello"),
		TimeValue(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		BoolValue(true),
		IntValue(12),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		var back FieldValue
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !back.Equal(v) {
			t.Errorf("round-trip changed %v to %v", v, back)
		}
	}

	var v FieldValue
	if err := json.Unmarshal([]byte(`{}`), &v); err == nil {
		t.Error("empty variant accepted")
	}
}

func TestApplyFieldReadBack(t *testing.T) {
	p := testProfile("dog-1")
	next, err := applyField(p, FieldProfileMedicalNotes, StringValue("no grapes"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, ok := fieldValue(next, FieldProfileMedicalNotes)
	if !ok || !got.Equal(StringValue("no grapes")) {
		t.Errorf("read back %v", got)
	}
	// The source entity is untouched.
	if p.MedicalNotes != "" {
		t.Error("applyField mutated its input")
	}

	s := testSession("s1", baseTime())
	next, err = applyField(s, FieldSessionBoarding, BoolValue(true))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !next.(Session).Boarding {
		t.Error("boarding flag not set")
	}
}

func TestApplyFieldRejectsMismatches(t *testing.T) {
	p := testProfile("dog-1")
	if _, err := applyField(p, FieldProfileName, IntValue(3)); !errors.Is(err, ErrValidation) {
		t.Errorf("wrong variant accepted: %v", err)
	}
	if _, err := applyField(p, FieldSessionNotes, StringValue("x")); !errors.Is(err, ErrValidation) {
		t.Errorf("cross-kind field accepted: %v", err)
	}
}

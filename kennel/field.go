// ABOUTME: Closed tagged-variant field system over (entityKind, fieldName) pairs.
// ABOUTME: Replaces untyped key/value payloads so field access stays exhaustive.
package kennel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tier orders fields for conflict resolution. Lower tiers outrank higher
// ones when ordering resolved patches.
type Tier int

const (
	TierIdentity Tier = iota
	TierMedical
	TierOperational
	TierNotes
	TierDerived
)

func (t Tier) String() string {
	switch t {
	case TierIdentity:
		return "identity"
	case TierMedical:
		return "medical"
	case TierOperational:
		return "operational"
	case TierNotes:
		return "notes"
	case TierDerived:
		return "derived"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Field is the closed set of mutable fields across all entity kinds.
type Field int

const (
	FieldProfileName Field = iota
	FieldProfileBreed
	FieldProfileOwnerName
	FieldProfileOwnerPhone
	FieldProfileMedicalNotes
	FieldProfileBehaviorNotes
	FieldProfileVisitCount
	FieldProfileLastVisit
	FieldSessionArrival
	FieldSessionDeparture
	FieldSessionBoarding
	FieldSessionBoardingEnd
	FieldSessionNotes
)

var fieldNames = map[Field]string{
	FieldProfileName:          "profile.name",
	FieldProfileBreed:         "profile.breed",
	FieldProfileOwnerName:     "profile.owner_name",
	FieldProfileOwnerPhone:    "profile.owner_phone",
	FieldProfileMedicalNotes:  "profile.medical_notes",
	FieldProfileBehaviorNotes: "profile.behavior_notes",
	FieldProfileVisitCount:    "profile.visit_count",
	FieldProfileLastVisit:     "profile.last_visit",
	FieldSessionArrival:       "session.arrival",
	FieldSessionDeparture:     "session.departure",
	FieldSessionBoarding:      "session.boarding",
	FieldSessionBoardingEnd:   "session.boarding_end",
	FieldSessionNotes:         "session.notes",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// FieldByName resolves a wire name back to a Field.
func FieldByName(name string) (Field, bool) {
	for f, s := range fieldNames {
		if s == name {
			return f, true
		}
	}
	return 0, false
}

// EntityKind reports which entity kind the field belongs to.
func (f Field) EntityKind() EntityKind {
	switch f {
	case FieldProfileName, FieldProfileBreed, FieldProfileOwnerName,
		FieldProfileOwnerPhone, FieldProfileMedicalNotes,
		FieldProfileBehaviorNotes, FieldProfileVisitCount, FieldProfileLastVisit:
		return KindProfile
	default:
		return KindSession
	}
}

// Tier maps each field into the fixed precedence order:
// identity/ownership > medical/safety > staff-operational > free-text
// notes > derived statistics.
func (f Field) Tier() Tier {
	switch f {
	case FieldProfileName, FieldProfileOwnerName, FieldProfileOwnerPhone:
		return TierIdentity
	case FieldProfileMedicalNotes:
		return TierMedical
	case FieldProfileBreed, FieldSessionArrival, FieldSessionDeparture,
		FieldSessionBoarding, FieldSessionBoardingEnd:
		return TierOperational
	case FieldProfileBehaviorNotes, FieldSessionNotes:
		return TierNotes
	case FieldProfileVisitCount, FieldProfileLastVisit:
		return TierDerived
	default:
		return TierNotes
	}
}

// fieldsFor lists every field of a kind, in tier order.
func fieldsFor(kind EntityKind) []Field {
	switch kind {
	case KindProfile:
		return []Field{
			FieldProfileName, FieldProfileOwnerName, FieldProfileOwnerPhone,
			FieldProfileMedicalNotes,
			FieldProfileBreed,
			FieldProfileBehaviorNotes,
			FieldProfileVisitCount, FieldProfileLastVisit,
		}
	case KindSession:
		return []Field{
			FieldSessionArrival, FieldSessionDeparture,
			FieldSessionBoarding, FieldSessionBoardingEnd,
			FieldSessionNotes,
		}
	default:
		return nil
	}
}

type valueKind int

const (
	valueString valueKind = iota
	valueTime
	valueBool
	valueInt
)

// FieldValue is a typed field payload. Exactly one variant is set,
// matching the static type of the target Field.
type FieldValue struct {
	kind valueKind
	s    string
	t    time.Time
	b    bool
	i    int
}

func StringValue(s string) FieldValue  { return FieldValue{kind: valueString, s: s} }
func TimeValue(t time.Time) FieldValue { return FieldValue{kind: valueTime, t: t.UTC()} }
func BoolValue(b bool) FieldValue      { return FieldValue{kind: valueBool, b: b} }
func IntValue(i int) FieldValue        { return FieldValue{kind: valueInt, i: i} }

func (v FieldValue) AsString() (string, bool)  { return v.s, v.kind == valueString }
func (v FieldValue) AsTime() (time.Time, bool) { return v.t, v.kind == valueTime }
func (v FieldValue) AsBool() (bool, bool)      { return v.b, v.kind == valueBool }
func (v FieldValue) AsInt() (int, bool)        { return v.i, v.kind == valueInt }

// Equal compares variant and payload.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case valueString:
		return v.s == o.s
	case valueTime:
		return v.t.Equal(o.t)
	case valueBool:
		return v.b == o.b
	case valueInt:
		return v.i == o.i
	}
	return false
}

func (v FieldValue) String() string {
	switch v.kind {
	case valueString:
		return v.s
	case valueTime:
		return v.t.Format(time.RFC3339Nano)
	case valueBool:
		return fmt.Sprintf("%t", v.b)
	case valueInt:
		return fmt.Sprintf("%d", v.i)
	}
	return ""
}

type wireValue struct {
	Str  *string    `json:"str,omitempty"`
	Time *time.Time `json:"time,omitempty"`
	Bool *bool      `json:"bool,omitempty"`
	Int  *int       `json:"int,omitempty"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.kind {
	case valueString:
		w.Str = &v.s
	case valueTime:
		w.Time = &v.t
	case valueBool:
		w.Bool = &v.b
	case valueInt:
		w.Int = &v.i
	}
	return json.Marshal(w)
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Str != nil:
		*v = StringValue(*w.Str)
	case w.Time != nil:
		*v = TimeValue(*w.Time)
	case w.Bool != nil:
		*v = BoolValue(*w.Bool)
	case w.Int != nil:
		*v = IntValue(*w.Int)
	default:
		return fmt.Errorf("field value: no variant set")
	}
	return nil
}

// fieldValue reads field f from entity e.
func fieldValue(e Entity, f Field) (FieldValue, bool) {
	switch ent := e.(type) {
	case Profile:
		switch f {
		case FieldProfileName:
			return StringValue(ent.Name), true
		case FieldProfileBreed:
			return StringValue(ent.Breed), true
		case FieldProfileOwnerName:
			return StringValue(ent.OwnerName), true
		case FieldProfileOwnerPhone:
			return StringValue(ent.OwnerPhone), true
		case FieldProfileMedicalNotes:
			return StringValue(ent.MedicalNotes), true
		case FieldProfileBehaviorNotes:
			return StringValue(ent.BehaviorNotes), true
		case FieldProfileVisitCount:
			return IntValue(ent.VisitCount), true
		case FieldProfileLastVisit:
			return TimeValue(ent.LastVisit), true
		}
	case Session:
		switch f {
		case FieldSessionArrival:
			return TimeValue(ent.Arrival), true
		case FieldSessionDeparture:
			return TimeValue(ent.Departure), true
		case FieldSessionBoarding:
			return BoolValue(ent.Boarding), true
		case FieldSessionBoardingEnd:
			return TimeValue(ent.BoardingEnd), true
		case FieldSessionNotes:
			return StringValue(ent.Notes), true
		}
	}
	return FieldValue{}, false
}

// applyField returns a copy of e with field f set to v. The variant of v
// must match the field's static type.
func applyField(e Entity, f Field, v FieldValue) (Entity, error) {
	if f.EntityKind() != e.EntityKind() {
		return nil, &ValidationError{Field: f.String(), Msg: "field does not belong to " + string(e.EntityKind())}
	}
	switch ent := e.(type) {
	case Profile:
		switch f {
		case FieldProfileName:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Name = s
		case FieldProfileBreed:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Breed = s
		case FieldProfileOwnerName:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.OwnerName = s
		case FieldProfileOwnerPhone:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.OwnerPhone = s
		case FieldProfileMedicalNotes:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.MedicalNotes = s
		case FieldProfileBehaviorNotes:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.BehaviorNotes = s
		case FieldProfileVisitCount:
			i, ok := v.AsInt()
			if !ok {
				return nil, badVariant(f)
			}
			ent.VisitCount = i
		case FieldProfileLastVisit:
			t, ok := v.AsTime()
			if !ok {
				return nil, badVariant(f)
			}
			ent.LastVisit = t
		}
		return ent, nil
	case Session:
		switch f {
		case FieldSessionArrival:
			t, ok := v.AsTime()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Arrival = t
		case FieldSessionDeparture:
			t, ok := v.AsTime()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Departure = t
		case FieldSessionBoarding:
			b, ok := v.AsBool()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Boarding = b
		case FieldSessionBoardingEnd:
			t, ok := v.AsTime()
			if !ok {
				return nil, badVariant(f)
			}
			ent.BoardingEnd = t
		case FieldSessionNotes:
			s, ok := v.AsString()
			if !ok {
				return nil, badVariant(f)
			}
			ent.Notes = s
		}
		return ent.Clone(), nil
	}
	return nil, &ValidationError{Field: f.String(), Msg: "unknown entity type"}
}

func badVariant(f Field) error {
	return &ValidationError{Field: f.String(), Msg: "value variant does not match field type"}
}

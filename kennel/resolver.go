// ABOUTME: Pure conflict resolution between divergent local and remote entity states.
// ABOUTME: Emits minimal field patches and record merges, never whole-entity replacement.
package kennel

import (
	"sort"
	"time"
)

const (
	// ClockSkewTolerance absorbs timestamp rounding between clients. Two
	// stamps within this window count as simultaneous.
	ClockSkewTolerance = time.Second

	// DedupWindow coalesces retried record submissions. Two records of the
	// same kind for the same session within this window collapse into one.
	DedupWindow = 5 * time.Second
)

// PrecedenceReason explains why a resolved patch won.
type PrecedenceReason string

const (
	ReasonRemoteNewer     PrecedenceReason = "remote-newer"
	ReasonRolePrecedence  PrecedenceReason = "role-precedence"
	ReasonRemoteConfirmed PrecedenceReason = "remote-confirmed"
	ReasonDerivedStat     PrecedenceReason = "derived-authoritative"
	ReasonServerAssigned  PrecedenceReason = "server-assigned"
)

// FieldUpdate patches one field of an existing entity.
type FieldUpdate struct {
	EntityID string
	Field    Field
	Value    FieldValue
	Reason   PrecedenceReason
}

// RecordMerge unions activity records for one session. Remove lists local
// record ids that collapsed into an earlier duplicate in Add.
type RecordMerge struct {
	EntityID string
	Kind     RecordKind
	Add      []ActivityRecord
	Remove   []string
}

// Resolution is the ordered output of Resolve. Applying it to the local
// state yields the merged entity.
type Resolution struct {
	Updates []FieldUpdate
	Merges  []RecordMerge
}

func (r Resolution) Empty() bool { return len(r.Updates) == 0 && len(r.Merges) == 0 }

// Sided pairs an entity state with its revision stamp.
type Sided struct {
	Entity Entity
	Stamp  RevisionStamp
}

// Resolve computes the minimal patch set reconciling local and remote
// states of the same entity. It is a pure function: no side effects, and
// every output targets an id already present in one of the inputs.
//
// Per-field winner inside a tier: the higher actor role wins outright;
// between equal roles the later stamp wins, with stamps inside the skew
// window resolved toward the remote-confirmed state so replicas converge.
// Fields covered by a pending local operation always keep their local
// value until that operation is confirmed or fails.
func Resolve(local, remote Sided, pending []PendingOperation) (Resolution, error) {
	if local.Entity.EntityID() != remote.Entity.EntityID() ||
		local.Entity.EntityKind() != remote.Entity.EntityKind() {
		return Resolution{}, &ValidationError{Msg: "resolve: mismatched entities"}
	}

	if err := checkTerminalVeto(local.Entity, remote.Entity, pending); err != nil {
		return Resolution{}, err
	}

	shield := shieldedFields(pending)
	var res Resolution

	for _, f := range fieldsFor(local.Entity.EntityKind()) {
		lv, _ := fieldValue(local.Entity, f)
		rv, _ := fieldValue(remote.Entity, f)
		if lv.Equal(rv) {
			continue
		}
		if shield[f] {
			// In-flight local edit; the local value wins for now.
			continue
		}
		if f.Tier() == TierDerived {
			// Visit statistics are maintained by confirmed session
			// completion on the server, never merged by timestamp.
			res.Updates = append(res.Updates, FieldUpdate{
				EntityID: local.Entity.EntityID(),
				Field:    f,
				Value:    rv,
				Reason:   ReasonDerivedStat,
			})
			continue
		}
		if win, reason := remoteWins(local.Stamp, remote.Stamp); win {
			res.Updates = append(res.Updates, FieldUpdate{
				EntityID: local.Entity.EntityID(),
				Field:    f,
				Value:    rv,
				Reason:   reason,
			})
		}
	}

	sort.SliceStable(res.Updates, func(i, j int) bool {
		return res.Updates[i].Field.Tier() < res.Updates[j].Field.Tier()
	})

	if ls, ok := local.Entity.(Session); ok {
		rs := remote.Entity.(Session)
		res.Merges = mergeRecords(ls, rs)
	}

	return res, nil
}

// checkTerminalVeto rejects resolution when the remote already closed the
// session but local pending operations still try to mutate it.
func checkTerminalVeto(local, remote Entity, pending []PendingOperation) error {
	rs, ok := remote.(Session)
	if !ok || !rs.Closed() {
		return nil
	}
	ls := local.(Session)
	if ls.Closed() {
		return nil
	}
	for _, op := range pending {
		if mutatesBeyondClose(op) {
			return &BusinessRuleError{EntityID: rs.ID, Rule: "session already closed remotely"}
		}
	}
	return nil
}

// mutatesBeyondClose reports whether a pending op does more than close the
// session itself. Closing locally while it closed remotely is benign.
func mutatesBeyondClose(op PendingOperation) bool {
	if len(op.RecordIDs) > 0 {
		return true
	}
	for _, f := range op.Fields {
		if f != FieldSessionDeparture {
			return true
		}
	}
	return false
}

func shieldedFields(pending []PendingOperation) map[Field]bool {
	if len(pending) == 0 {
		return nil
	}
	m := make(map[Field]bool)
	for _, op := range pending {
		for _, f := range op.Fields {
			m[f] = true
		}
	}
	return m
}

// remoteWins picks the winning side for one contested field.
func remoteWins(local, remote RevisionStamp) (bool, PrecedenceReason) {
	if remote.Role != local.Role {
		if remote.Role > local.Role {
			return true, ReasonRolePrecedence
		}
		return false, ""
	}
	d := remote.At.Sub(local.At)
	switch {
	case d > ClockSkewTolerance:
		return true, ReasonRemoteNewer
	case d < -ClockSkewTolerance:
		return false, ""
	default:
		// Inside the skew window the stamps are indistinguishable; adopt
		// the remote-confirmed state so every replica converges the same way.
		return true, ReasonRemoteConfirmed
	}
}

// mergeRecords unions local and remote activity records. Two records of
// the same kind whose timestamps fall within DedupWindow are duplicates
// from a retried submission: the earlier one is kept. Distinct rapid
// entries outside the window both survive.
func mergeRecords(local, remote Session) []RecordMerge {
	byKind := make(map[RecordKind]*RecordMerge)
	merge := func(kind RecordKind) *RecordMerge {
		m, ok := byKind[kind]
		if !ok {
			m = &RecordMerge{EntityID: local.ID, Kind: kind}
			byKind[kind] = m
		}
		return m
	}

	// Work on a sorted copy of the remote records so dedup picks the
	// earliest of a duplicate pair deterministically.
	incoming := append([]ActivityRecord(nil), remote.Records...)
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].At.Before(incoming[j].At) })

	for _, rr := range incoming {
		if local.hasRecord(rr.ID) {
			continue
		}
		dup := false
		for _, lr := range local.Records {
			if lr.Kind != rr.Kind {
				continue
			}
			if absDuration(lr.At.Sub(rr.At)) > DedupWindow {
				continue
			}
			dup = true
			if rr.At.Before(lr.At) {
				// Remote copy is earlier: it replaces the local one.
				m := merge(rr.Kind)
				m.Add = append(m.Add, rr)
				m.Remove = append(m.Remove, lr.ID)
			}
			break
		}
		if !dup {
			m := merge(rr.Kind)
			m.Add = append(m.Add, rr)
		}
	}

	out := make([]RecordMerge, 0, len(byKind))
	for _, m := range byKind {
		if len(m.Add) == 0 && len(m.Remove) == 0 {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// applyResolution builds the merged entity from the local state.
func applyResolution(local Entity, res Resolution) (Entity, error) {
	e := local.Clone()
	var err error
	for _, u := range res.Updates {
		e, err = applyField(e, u.Field, u.Value)
		if err != nil {
			return nil, err
		}
	}
	if len(res.Merges) == 0 {
		return e, nil
	}
	s, ok := e.(Session)
	if !ok {
		return nil, &ValidationError{Msg: "record merge on non-session entity"}
	}
	for _, m := range res.Merges {
		if len(m.Remove) > 0 {
			keep := s.Records[:0:0]
			for _, r := range s.Records {
				if !containsString(m.Remove, r.ID) {
					keep = append(keep, r)
				}
			}
			s.Records = keep
		}
		for _, r := range m.Add {
			if !s.hasRecord(r.ID) {
				s.Records = append(s.Records, r)
			}
		}
	}
	sort.SliceStable(s.Records, func(i, j int) bool { return s.Records[i].At.Before(s.Records[j].At) })
	return s, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

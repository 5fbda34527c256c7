package core

import (
	"fmt"
	"testing"

	"github.com/qbit-ai/qbitsync/schema"
)

func seqPtr(v uint64) *uint64 { return &v }

func TestSeqGateAcceptsMonotonicSequence(t *testing.T) {
	gate := newSeqGate()
	for seq := uint64(1); seq <= 5; seq++ {
		dec := gate.Admit("s1", seqPtr(seq))
		if !dec.Accept {
			t.Fatalf("seq %d rejected", seq)
		}
		if dec.Gap {
			t.Fatalf("seq %d flagged as gap", seq)
		}
	}
}

func TestSeqGateRejectsDuplicateAndStale(t *testing.T) {
	gate := newSeqGate()
	if dec := gate.Admit("s1", seqPtr(3)); !dec.Accept {
		t.Fatalf("first seq rejected")
	}
	if dec := gate.Admit("s1", seqPtr(3)); dec.Accept {
		t.Fatalf("duplicate seq accepted")
	}
	if dec := gate.Admit("s1", seqPtr(1)); dec.Accept {
		t.Fatalf("stale seq accepted")
	}
	// Rejections must not move the counter.
	if dec := gate.Admit("s1", seqPtr(4)); !dec.Accept || dec.Gap {
		t.Fatalf("seq 4 after rejections: accept=%v gap=%v", dec.Accept, dec.Gap)
	}
}

func TestSeqGateAbsentSequenceAlwaysAccepted(t *testing.T) {
	gate := newSeqGate()
	if dec := gate.Admit("s1", nil); !dec.Accept {
		t.Fatalf("absent seq rejected")
	}
	if gate.Count() != 0 {
		t.Fatalf("absent seq recorded a counter, count=%d", gate.Count())
	}
	gate.Admit("s1", seqPtr(2))
	if dec := gate.Admit("s1", nil); !dec.Accept {
		t.Fatalf("absent seq rejected after tracking started")
	}
	// Absent admissions never advance the counter.
	if dec := gate.Admit("s1", seqPtr(3)); !dec.Accept || dec.Gap {
		t.Fatalf("seq 3: accept=%v gap=%v", dec.Accept, dec.Gap)
	}
}

func TestSeqGateGapAcceptedWithSingleDiagnostic(t *testing.T) {
	gate := newSeqGate()
	gate.Admit("s1", seqPtr(1))
	dec := gate.Admit("s1", seqPtr(5))
	if !dec.Accept {
		t.Fatalf("gapped seq rejected")
	}
	if !dec.Gap {
		t.Fatalf("gap not reported")
	}
	if dec.Expected != 2 || dec.Got != 5 {
		t.Fatalf("gap expected=%d got=%d", dec.Expected, dec.Got)
	}
	// Later in-range events proceed with no further gap reports.
	if dec := gate.Admit("s1", seqPtr(6)); !dec.Accept || dec.Gap {
		t.Fatalf("seq 6 after gap: accept=%v gap=%v", dec.Accept, dec.Gap)
	}
}

func TestSeqGateFirstObservationNeverGaps(t *testing.T) {
	gate := newSeqGate()
	dec := gate.Admit("s1", seqPtr(40))
	if !dec.Accept || dec.Gap {
		t.Fatalf("first observation: accept=%v gap=%v", dec.Accept, dec.Gap)
	}
}

func TestSeqGateSessionsAreIndependent(t *testing.T) {
	gate := newSeqGate()
	gate.Admit("s1", seqPtr(9))
	if dec := gate.Admit("s2", seqPtr(1)); !dec.Accept {
		t.Fatalf("s2 seq 1 rejected after s1 reached 9")
	}
	if gate.Count() != 2 {
		t.Fatalf("count=%d, want 2", gate.Count())
	}
}

func TestSeqGateResetReleasesTracking(t *testing.T) {
	gate := newSeqGate()
	for i := 0; i < 50; i++ {
		id := schema.SessionID(fmt.Sprintf("s%d", i))
		gate.Admit(id, seqPtr(7))
		gate.Reset(id)
	}
	if gate.Count() != 0 {
		t.Fatalf("count=%d after churn, want 0", gate.Count())
	}
	// Reset of an unknown session is a no-op.
	gate.Reset("never-seen")

	gate.Admit("s1", seqPtr(5))
	gate.Reset("s1")
	// After reset the next sequence is treated as a first observation.
	if dec := gate.Admit("s1", seqPtr(1)); !dec.Accept {
		t.Fatalf("seq 1 rejected after reset")
	}
}

func TestSeqGateResetAll(t *testing.T) {
	gate := newSeqGate()
	gate.Admit("s1", seqPtr(1))
	gate.Admit("s2", seqPtr(1))
	gate.ResetAll()
	if gate.Count() != 0 {
		t.Fatalf("count=%d after reset all, want 0", gate.Count())
	}
}

func TestSeqGateLastReportsRecorded(t *testing.T) {
	gate := newSeqGate()
	if _, ok := gate.Last("s1"); ok {
		t.Fatalf("expected no record before first admit")
	}
	gate.Admit("s1", seqPtr(3))
	gate.Admit("s1", seqPtr(9))
	// Rejected sequences do not move the record.
	gate.Admit("s1", seqPtr(4))
	last, ok := gate.Last("s1")
	if !ok || last != 9 {
		t.Fatalf("last=%d ok=%v, want 9 true", last, ok)
	}
	gate.Reset("s1")
	if _, ok := gate.Last("s1"); ok {
		t.Fatalf("expected no record after reset")
	}
}

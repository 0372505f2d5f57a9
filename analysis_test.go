package durus

import "testing"

func buildAnalysisFixture(t *testing.T) *MemoryStorage {
	t.Helper()
	m := NewMemoryStorage()
	m.Begin()
	_ = m.Store(RootOID, record{Data: []byte(`{"class":"root"}`), Refs: []OID{RootOID + 1, RootOID + 2}})
	_ = m.Store(RootOID+1, record{Data: []byte(`{"class":"widget"}`), Refs: []OID{RootOID + 2}})
	_ = m.Store(RootOID+2, record{Data: []byte(`{"class":"widget"}`), Refs: nil})
	_ = m.End(nil)
	return m
}

func classOf(rec record) (string, error) {
	switch string(rec.Data) {
	case `{"class":"root"}`:
		return "root", nil
	case `{"class":"widget"}`:
		return "widget", nil
	default:
		return "unknown", nil
	}
}

func TestGenOIDClassVisitsEveryReachableOID(t *testing.T) {
	m := buildAnalysisFixture(t)
	seen := map[OID]string{}
	err := GenOIDClass(m, RootOID, 10, classOf, func(oid OID, class string) bool {
		seen[oid] = class
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen[RootOID] != "root" || seen[RootOID+1] != "widget" || seen[RootOID+2] != "widget" {
		t.Errorf("unexpected classes: %+v", seen)
	}
}

func TestCensusCountsPerClass(t *testing.T) {
	m := buildAnalysisFixture(t)
	counts, err := Census(m, RootOID, 10, classOf)
	if err != nil {
		t.Fatal(err)
	}
	if counts["root"] != 1 || counts["widget"] != 2 {
		t.Errorf("counts = %+v, want root:1 widget:2", counts)
	}
}

func TestReferenceIndexAndGenReferringOIDRecord(t *testing.T) {
	m := buildAnalysisFixture(t)
	index, err := ReferenceIndex(m, RootOID, 10)
	if err != nil {
		t.Fatal(err)
	}
	// RootOID+2 is referenced by both root and RootOID+1.
	referrers := index[RootOID+2]
	if len(referrers) != 2 {
		t.Fatalf("referrers of %d = %v, want 2 entries", RootOID+2, referrers)
	}

	var visited []OID
	err = GenReferringOIDRecord(m, index, RootOID+2, func(oid OID, _ record) bool {
		visited = append(visited, oid)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(visited) != 2 {
		t.Errorf("visited = %v, want 2 entries", visited)
	}
}

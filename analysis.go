package durus

// analysis.go ports the read-only graph-inspection helpers from
// durus/connection.py / durus/storage.py that spec.md's distillation
// dropped but that don't require the excluded B-Tree/collection types
// (see SPEC_FULL.md §9).

// GenOIDClass walks the reachable object graph from start, calling visit
// with each OID and the class tag recorded in its record. extractClass
// decodes the class tag from a record's opaque Data blob (owned by the
// active Codec); callers typically pass Codec.ClassOf.
func GenOIDClass(s Storage, start OID, batchSize int, extractClass func(record) (string, error), visit func(OID, string) bool) error {
	return s.GenOIDRecord(start, batchSize, func(oid OID, rec record) bool {
		class, err := extractClass(rec)
		if err != nil {
			return true
		}
		return visit(oid, class)
	})
}

// Census tallies how many reachable objects exist per class, ported from
// durus/connection.py's get_census.
func Census(s Storage, start OID, batchSize int, extractClass func(record) (string, error)) (map[string]int, error) {
	counts := map[string]int{}
	err := GenOIDClass(s, start, batchSize, extractClass, func(_ OID, class string) bool {
		counts[class]++
		return true
	})
	return counts, err
}

// ReferenceIndex maps every reachable OID to the set of OIDs that refer
// to it, ported from durus/connection.py's get_reference_index. It is
// the basis for GenReferringOIDRecord below.
func ReferenceIndex(s Storage, start OID, batchSize int) (map[OID][]OID, error) {
	index := map[OID][]OID{}
	err := s.GenOIDRecord(start, batchSize, func(oid OID, rec record) bool {
		for _, ref := range rec.Refs {
			index[ref] = append(index[ref], oid)
		}
		return true
	})
	return index, err
}

// GenReferringOIDRecord visits every OID that refers to target, using a
// previously computed ReferenceIndex. Ported from
// durus/connection.py's gen_referring_oid_record.
func GenReferringOIDRecord(s Storage, index map[OID][]OID, target OID, visit func(OID, record) bool) error {
	for _, oid := range index[target] {
		rec, err := s.Load(oid)
		if err != nil {
			continue
		}
		if !visit(oid, rec) {
			return nil
		}
	}
	return nil
}

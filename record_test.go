package durus

import (
	"bytes"
	"testing"
)

func TestPackUnpackRecordRoundTrip(t *testing.T) {
	rec := record{Data: []byte("hello world"), Refs: []OID{1, 2, 3}}
	packed := packRecord(42, rec)
	oid, got, err := unpackRecord(packed)
	if err != nil {
		t.Fatalf("unpackRecord: %v", err)
	}
	if oid != 42 {
		t.Errorf("oid = %d, want 42", oid)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Errorf("data = %q, want %q", got.Data, rec.Data)
	}
	if len(got.Refs) != len(rec.Refs) {
		t.Fatalf("refs len = %d, want %d", len(got.Refs), len(rec.Refs))
	}
	for i := range rec.Refs {
		if got.Refs[i] != rec.Refs[i] {
			t.Errorf("ref %d = %d, want %d", i, got.Refs[i], rec.Refs[i])
		}
	}
}

func TestPackUnpackRecordNoRefs(t *testing.T) {
	rec := record{Data: []byte("x")}
	oid, got, err := unpackRecord(packRecord(7, rec))
	if err != nil {
		t.Fatalf("unpackRecord: %v", err)
	}
	if oid != 7 || len(got.Refs) != 0 {
		t.Errorf("got oid=%d refs=%v", oid, got.Refs)
	}
}

func TestUnpackRecordShortRead(t *testing.T) {
	if _, _, err := unpackRecord([]byte{1, 2, 3}); err != ErrShortRead {
		t.Errorf("err = %v, want ErrShortRead", err)
	}
}

// Multiple records packed with lengthPrefix, concatenated into one
// transaction payload, must be separable back into their original
// records without a later record's bytes leaking into an earlier
// record's ref list.
func TestLengthPrefixedMultiRecordPayload(t *testing.T) {
	recs := []struct {
		OID OID
		Rec record
	}{
		{OID: 1, Rec: record{Data: []byte("aaa"), Refs: []OID{10, 11}}},
		{OID: 2, Rec: record{Data: []byte("bb"), Refs: nil}},
		{OID: 3, Rec: record{Data: []byte("ccccc"), Refs: []OID{99}}},
	}

	var payload []byte
	for _, it := range recs {
		payload = append(payload, lengthPrefix(packRecord(it.OID, it.Rec))...)
	}

	for _, want := range recs {
		n, rest, ok := takeRecordLength(payload)
		if !ok {
			t.Fatalf("takeRecordLength failed for oid %d", want.OID)
		}
		oid, rec, err := unpackRecord(rest[:n])
		if err != nil {
			t.Fatalf("unpackRecord: %v", err)
		}
		if oid != want.OID {
			t.Errorf("oid = %d, want %d", oid, want.OID)
		}
		if !bytes.Equal(rec.Data, want.Rec.Data) {
			t.Errorf("oid %d: data = %q, want %q", oid, rec.Data, want.Rec.Data)
		}
		if len(rec.Refs) != len(want.Rec.Refs) {
			t.Errorf("oid %d: refs = %v, want %v", oid, rec.Refs, want.Rec.Refs)
		}
		payload = rest[n:]
	}
	if len(payload) != 0 {
		t.Errorf("%d bytes left over after consuming all records", len(payload))
	}
}

func TestEncodeVerifyTransactionChecksum(t *testing.T) {
	payload := []byte("some transaction payload bytes")
	encoded := encodeTransaction(payload)
	sum := encoded[len(encoded)-8:]
	if err := verifyTransactionChecksum(payload, sum); err != nil {
		t.Errorf("verifyTransactionChecksum: %v", err)
	}
	if err := verifyTransactionChecksum([]byte("tampered"), sum); err == nil {
		t.Error("expected checksum mismatch for tampered payload")
	}
}

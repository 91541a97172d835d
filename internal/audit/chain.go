package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"canopy/internal/domain"
)

// Canonicalize serializes an event to RFC 8785 canonical JSON so hashing
// is independent of map iteration order.
func Canonicalize(event any) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit event: %w", err)
	}
	return canonical, nil
}

// Append builds the next chain record: hash = sha256(prev_hash_hex ||
// canonical_event), hex encoded. prev is empty for the genesis record.
// Seq is assigned by the store on insert.
func Append(prev string, event any, ts string) (domain.AuditRecord, error) {
	canonical, err := Canonicalize(event)
	if err != nil {
		return domain.AuditRecord{}, err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return domain.AuditRecord{
		Event: string(canonical),
		Hash:  hex.EncodeToString(h.Sum(nil)),
		TS:    ts,
	}, nil
}

// Verify walks the chain in order and recomputes every link. Any edit to
// a stored event or hash breaks verification at that record.
func Verify(records []domain.AuditRecord) error {
	prev := ""
	for i, rec := range records {
		h := sha256.New()
		h.Write([]byte(prev))
		h.Write([]byte(rec.Event))
		want := hex.EncodeToString(h.Sum(nil))
		if rec.Hash != want {
			return fmt.Errorf("audit chain broken at seq %d (record %d)", rec.Seq, i)
		}
		prev = rec.Hash
	}
	return nil
}

package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

// field markers for the canonical hash serialization
const (
	fieldAbsent  byte = 0x00
	fieldPresent byte = 0x01
)

// ContentHash computes the SHA-256 dedup key over the canonical tuple
// (observed_at, source_address, target_service, action, target_path,
// session_id, payload) in fixed order. Present fields are written as a
// marker, a length prefix and the bytes; an absent field contributes a
// single sentinel byte, so field boundaries are unambiguous.
func ContentHash(e model.Event) string {
	h := sha256.New()

	writeField(h.Write, []byte(e.ObservedAt.UTC().Format(time.RFC3339Nano)))
	writeField(h.Write, []byte(e.SourceAddress))
	writeField(h.Write, []byte(e.TargetService))
	writeField(h.Write, []byte(e.Action))
	writeField(h.Write, []byte(e.TargetPath))
	writeField(h.Write, []byte(e.SessionID))
	writeField(h.Write, e.Payload)

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w func([]byte) (int, error), b []byte) {
	if len(b) == 0 {
		_, _ = w([]byte{fieldAbsent})
		return
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	_, _ = w([]byte{fieldPresent})
	_, _ = w(lenBuf[:n])
	_, _ = w(b)
}

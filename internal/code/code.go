// Package code converts ticket ids to and from the payload printed in a
// ticket's QR code.
//
// A payload is the prefix "PK1" followed by the unpadded base32 form of the
// 16 byte id and its CRC-32. The alphabet stays within the QR alphanumeric
// set, so the printed symbol remains small. Payloads carry the id only;
// scanners must always fetch the stored ticket.
package code

import (
	"encoding/base32"
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Prefix = "PK1"

	rawLen     = 16 + 4
	payloadLen = len(Prefix) + 32
)

// ErrMalformedCode is returned for any payload Encode could not have produced.
var ErrMalformedCode = errors.New("malformed ticket code")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode returns the payload for a ticket id.
func Encode(id uuid.UUID) string {
	var raw [rawLen]byte
	copy(raw[:16], id[:])
	binary.BigEndian.PutUint32(raw[16:], crc32.ChecksumIEEE(id[:]))
	return Prefix + encoding.EncodeToString(raw[:])
}

// Decode returns the ticket id carried by payload.
func Decode(payload string) (uuid.UUID, error) {
	if len(payload) != payloadLen || !strings.HasPrefix(payload, Prefix) {
		return uuid.Nil, errors.Wrapf(ErrMalformedCode, "%q", payload)
	}
	raw, err := encoding.DecodeString(payload[len(Prefix):])
	if err != nil || len(raw) != rawLen {
		return uuid.Nil, errors.Wrapf(ErrMalformedCode, "%q", payload)
	}
	var id uuid.UUID
	copy(id[:], raw[:16])
	if binary.BigEndian.Uint32(raw[16:]) != crc32.ChecksumIEEE(id[:]) {
		return uuid.Nil, errors.Wrapf(ErrMalformedCode, "%q: checksum mismatch", payload)
	}
	// the decoder tolerates line breaks; only the canonical form is accepted
	if Encode(id) != payload {
		return uuid.Nil, errors.Wrapf(ErrMalformedCode, "%q", payload)
	}
	return id, nil
}

// IsCode reports whether ref looks like a payload rather than a bare id.
func IsCode(ref string) bool {
	return strings.HasPrefix(ref, Prefix)
}

package code

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ids := []uuid.UUID{uuid.Nil, uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"), uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")}
	for i := 0; i < 500; i++ {
		ids = append(ids, uuid.New())
	}
	for _, id := range ids {
		payload := Encode(id)
		assert.Len(t, payload, payloadLen)
		assert.True(t, IsCode(payload))

		got, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestDecodeRejectsForeignPayloads(t *testing.T) {
	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	valid := Encode(id)

	flipped := []byte(valid)
	if flipped[10] == 'A' {
		flipped[10] = 'B'
	} else {
		flipped[10] = 'A'
	}

	cases := map[string]string{
		"empty":            "",
		"bare uuid":        id.String(),
		"lowercase":        Prefix + strings.ToLower(valid[len(Prefix):]),
		"wrong prefix":     "PK2" + valid[len(Prefix):],
		"truncated":        valid[:len(valid)-1],
		"extended":         valid + "A",
		"flipped symbol":   string(flipped),
		"line break":       valid[:20] + "\n" + valid[21:],
		"outside alphabet": valid[:len(valid)-1] + "1",
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(payload)
			assert.True(t, errors.Is(err, ErrMalformedCode), "got %v", err)
		})
	}
}

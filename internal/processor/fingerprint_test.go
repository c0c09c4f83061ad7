package processor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voteraction/rollimport-worker/internal/storage"
)

func cosine(a, b []float32) float64 {
	dot := 0.0
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestFingerprintIsNormalised(t *testing.T) {
	vec := FingerprintVoter(storage.VoterRecord{Name: "Ram Kumar", RelativeName: "Mohan", HouseNumber: "12"}, 128)
	require.Len(t, vec, 128)

	norm := 0.0
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestFingerprintEmptyRecord(t *testing.T) {
	assert.Nil(t, FingerprintVoter(storage.VoterRecord{}, 128))
	assert.Nil(t, FingerprintVoter(storage.VoterRecord{Name: "  --  "}, 128))
	assert.Nil(t, FingerprintVoter(storage.VoterRecord{Name: "Ram"}, 0))
}

func TestFingerprintIgnoresEPIC(t *testing.T) {
	a := FingerprintVoter(storage.VoterRecord{EPIC: "ABC1234567", Name: "Ram Kumar", HouseNumber: "12"}, 256)
	b := FingerprintVoter(storage.VoterRecord{EPIC: "A8C1234567", Name: "Ram Kumar", HouseNumber: "12"}, 256)
	assert.Equal(t, a, b)
}

func TestFingerprintSimilarity(t *testing.T) {
	base := FingerprintVoter(storage.VoterRecord{Name: "Ram Kumar", RelativeName: "Mohan Lal", HouseNumber: "12"}, 256)
	misread := FingerprintVoter(storage.VoterRecord{Name: "Ram Kumr", RelativeName: "Mohan Lal", HouseNumber: "12"}, 256)
	other := FingerprintVoter(storage.VoterRecord{Name: "Sita Devi", RelativeName: "Gopal", HouseNumber: "48"}, 256)

	assert.Greater(t, cosine(base, misread), cosine(base, other))
	assert.Greater(t, cosine(base, misread), 0.6)
}

func TestFingerprintDevanagari(t *testing.T) {
	a := FingerprintVoter(storage.VoterRecord{Name: "राम कुमार"}, 128)
	b := FingerprintVoter(storage.VoterRecord{Name: "राम  कुमार."}, 128)
	require.NotNil(t, a)
	assert.Equal(t, a, b)
}

func TestNormaliseField(t *testing.T) {
	assert.Equal(t, "ram kumar", normaliseField("  RAM   Kumar. "))
	assert.Equal(t, "12 a", normaliseField("12/A"))
	assert.Equal(t, "", normaliseField("--"))
}

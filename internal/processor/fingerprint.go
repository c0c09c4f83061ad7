/**
 * Voter fingerprints for the near-duplicate index
 *
 * A fingerprint is a hashed character-trigram vector over the fields OCR
 * tends to preserve when it misreads an EPIC: name, relative name and house
 * number. Two records of the same person land close in cosine distance.
 */

package processor

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/voteraction/rollimport-worker/internal/storage"
)

// Field weights; the name carries most of the identity.
const (
	nameWeight     = 1.0
	relativeWeight = 0.6
	houseWeight    = 0.4
)

// FingerprintVoter builds an L2-normalised vector of dims components.
// A record with no usable text yields nil.
func FingerprintVoter(v storage.VoterRecord, dims int) []float32 {
	if dims <= 0 {
		return nil
	}

	vec := make([]float64, dims)
	addTrigrams(vec, "n:", v.Name, nameWeight)
	addTrigrams(vec, "r:", v.RelativeName, relativeWeight)
	addTrigrams(vec, "h:", v.HouseNumber, houseWeight)

	norm := 0.0
	for _, x := range vec {
		norm += x * x
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dims)
	for i, x := range vec {
		out[i] = float32(x / norm)
	}
	return out
}

// addTrigrams hashes every rune trigram of the padded, normalised field into
// vec. The field prefix keeps a name trigram apart from the same trigram in
// a house number. The hash sign spreads collisions around zero.
func addTrigrams(vec []float64, prefix, field string, weight float64) {
	text := normaliseField(field)
	if text == "" {
		return
	}
	runes := []rune(" " + text + " ")
	dims := uint64(len(vec))

	for i := 0; i+3 <= len(runes); i++ {
		h := xxhash.Sum64String(prefix + string(runes[i:i+3]))
		idx := h % dims
		if h&(1<<63) != 0 {
			vec[idx] -= weight
		} else {
			vec[idx] += weight
		}
	}
}

// normaliseField lower-cases, keeps letters, digits and combining marks
// (Devanagari matras), and collapses everything else to single spaces.
func normaliseField(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r) {
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
			continue
		}
		space = true
	}
	return sb.String()
}

/**
 * Voter-roll parser types
 *
 * Shared data structures for the segmenter and the field extractor.
 */

package rollparser

// RelationType names the relative printed next to a voter.
type RelationType string

const (
	RelationFather  RelationType = "Father"
	RelationHusband RelationType = "Husband"
	RelationMother  RelationType = "Mother"
)

// Gender is the single-letter gender code stored for a voter.
type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// UnknownPlace is the village/area used when neither the caller nor a page
// header supplies one.
const UnknownPlace = "Unknown"

// Field names reported in Result.FieldsDefaulted.
const (
	FieldName         = "name"
	FieldRelativeName = "relativeName"
	FieldRelationType = "relationType"
	FieldHouseNumber  = "houseNumber"
	FieldAge          = "age"
	FieldGender       = "gender"
)

// Voter is one record extracted from a block. Records are never mutated
// after they are appended to a Result.
type Voter struct {
	EPIC         string       `json:"epic"`
	Name         string       `json:"name"`
	RelativeName string       `json:"relativeName"`
	RelationType RelationType `json:"relationType"`
	Age          int          `json:"age"`
	Gender       Gender       `json:"gender"`
	HouseNumber  string       `json:"houseNumber"`
	Village      string       `json:"village"`
	Area         string       `json:"area"`
	OriginalText string       `json:"originalText"`
}

// PageDefaults are the village/area values inherited by every voter on a page.
type PageDefaults struct {
	Village string `json:"village"`
	Area    string `json:"area"`
}

func (d PageDefaults) withFallback() PageDefaults {
	if d.Village == "" {
		d.Village = UnknownPlace
	}
	if d.Area == "" {
		d.Area = UnknownPlace
	}
	return d
}

// Result is the outcome of parsing one text blob.
type Result struct {
	Records []Voter `json:"records"`
	Pages   int     `json:"pages"`

	// RejectedBlocks counts runs of text that could not become a record:
	// blocks without an EPIC and column preambles before the first EPIC.
	RejectedBlocks int `json:"rejectedBlocks"`
	OrphanLines    int `json:"orphanLines"`

	// FieldsDefaulted counts, per field name, how many records fell back to
	// the field's default value.
	FieldsDefaulted map[string]int `json:"fieldsDefaulted"`
}

func newResult() *Result {
	return &Result{
		Records:         []Voter{},
		FieldsDefaulted: make(map[string]int),
	}
}

package rollparser

import (
	"regexp"
	"strconv"
	"strings"
)

// Each extractor is independent and case-insensitive. Labels include the OCR
// variants seen on Hindi rolls ("नभ" for "नाम").
var (
	nameLabel      = regexp.MustCompile(`(?i)(?:Name|नाम|नभ)\s*[:\s\-.]+\s*([^\n\r]+)`)
	nameStop       = regexp.MustCompile(`(?i)(?:Gender|लिंग|Husband|Father|Mother|पिता|पति)`)
	relativeLabel  = regexp.MustCompile(`(?i)(?:Father|Husband|Mother|पिता|पति|माता)(?:\s+का\s+नाम)?\s*[:\s\-.]+\s*([^\n\r]+)`)
	relativeStop   = regexp.MustCompile(`(?i)(?:Makan|House|Gender|लिंग)`)
	husbandKeyword = regexp.MustCompile(`(?i)(?:Husband|पति)`)
	motherKeyword  = regexp.MustCompile(`(?i)(?:Mother|माता)`)
	houseLabel     = regexp.MustCompile(`(?i)(?:House|Makan|Grih)\s*(?:No|Sankhya|संख्या)?\s*[:\s\-.]+\s*([\w/-]+)`)
	ageLabel       = regexp.MustCompile(`(?i)(?:Age|आयु)\s*[:\s\-.]+\s*(\d+)`)
	genderLabel    = regexp.MustCompile(`(?i)(?:Gender|लिंग)\s*[:\s\-.]+\s*([\w\x{0900}-\x{097F}]+)`)
)

func firstGroup(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// cutAt truncates s at the first match of stop.
func cutAt(s string, stop *regexp.Regexp) string {
	if loc := stop.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

// ExtractName returns the text after a name label, cut at the next field
// keyword so run-on OCR text is dropped.
func ExtractName(text string) (string, bool) {
	raw, ok := firstGroup(nameLabel, text)
	if !ok {
		return "", false
	}
	return cutAt(strings.TrimSpace(raw), nameStop), true
}

// ExtractRelativeName returns the text after a father/husband/mother label,
// cut at the house or gender keyword.
func ExtractRelativeName(text string) (string, bool) {
	raw, ok := firstGroup(relativeLabel, text)
	if !ok {
		return "", false
	}
	return cutAt(strings.TrimSpace(raw), relativeStop), true
}

// ExtractRelationType looks for relation keywords anywhere in the text.
// Husband wins over Mother when both appear.
func ExtractRelationType(text string) (RelationType, bool) {
	if husbandKeyword.MatchString(text) {
		return RelationHusband, true
	}
	if motherKeyword.MatchString(text) {
		return RelationMother, true
	}
	return RelationFather, false
}

// ExtractHouseNumber returns the token after a house label.
func ExtractHouseNumber(text string) (string, bool) {
	raw, ok := firstGroup(houseLabel, text)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// ExtractAge returns the integer after an age label. Values that do not fit
// an int are treated as absent.
func ExtractAge(text string) (int, bool) {
	raw, ok := firstGroup(ageLabel, text)
	if !ok {
		return 0, false
	}
	age, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return age, true
}

// ExtractGender reads the gender label. The bool is false when no label was
// found and the male default applies.
func ExtractGender(text string) (Gender, bool) {
	raw, ok := firstGroup(genderLabel, text)
	if !ok {
		return GenderMale, false
	}
	g := strings.ToLower(raw)
	if strings.Contains(g, "mahila") || strings.Contains(g, "महिला") || strings.Contains(g, "f") {
		return GenderFemale, true
	}
	return GenderMale, true
}

// ExtractBlock builds a voter from one block of text. It returns nil when
// the block carries no EPIC. The second return value lists the fields that
// fell back to their defaults.
func ExtractBlock(block string, defaults PageDefaults) (*Voter, []string) {
	epic, ok := FindEPIC(block)
	if !ok {
		return nil, nil
	}

	var defaulted []string
	note := func(field string, found bool) {
		if !found {
			defaulted = append(defaulted, field)
		}
	}

	name, found := ExtractName(block)
	note(FieldName, found)

	relativeName, found := ExtractRelativeName(block)
	note(FieldRelativeName, found)

	relation, found := ExtractRelationType(block)
	note(FieldRelationType, found)

	house, found := ExtractHouseNumber(block)
	note(FieldHouseNumber, found)

	age, found := ExtractAge(block)
	note(FieldAge, found)

	gender, found := ExtractGender(block)
	note(FieldGender, found)

	// A husband's name on the record means the voter is a wife.
	if relation == RelationHusband {
		gender = GenderFemale
	}

	defaults = defaults.withFallback()
	return &Voter{
		EPIC:         epic,
		Name:         name,
		RelativeName: relativeName,
		RelationType: relation,
		Age:          age,
		Gender:       gender,
		HouseNumber:  house,
		Village:      defaults.Village,
		Area:         defaults.Area,
		OriginalText: strings.ReplaceAll(block, "\n", " | "),
	}, defaulted
}

package rollparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEPIC(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ABO123456", "AB0123456"},
		{">BC1234567", "XBC1234567"},
		{"3&O1234567", "XE01234567"},
		{"UP/85/O12/345", "UP/85/012/345"},
		{"XYZ1234567", "XYZ1234567"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEPIC(tt.raw), "NormalizeEPIC(%q)", tt.raw)
	}
}

func TestFindEPIC(t *testing.T) {
	tests := []struct {
		text  string
		want  string
		found bool
	}{
		{"ABO123456", "AB0123456", true},
		{">BC1234567 Name: x", "XBC1234567", true},
		{"Sr 12 UP/85/123/456789", "UP/85/123/456789", true},
		{"Name: Ram Age: 45", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := FindEPIC(tt.text)
		assert.Equal(t, tt.found, ok, "FindEPIC(%q)", tt.text)
		assert.Equal(t, tt.want, got, "FindEPIC(%q)", tt.text)
	}
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		text  string
		want  string
		found bool
	}{
		{"Name: Ram Kumar Gender: Male", "Ram Kumar", true},
		{"NAME - Shyam Father: Ram", "Shyam", true},
		{"नाम : सीता देवी पति : राम", "सीता देवी", true},
		{"नभ: गीता", "गीता", true},
		{"Age: 30", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractName(tt.text)
		assert.Equal(t, tt.found, ok, "ExtractName(%q)", tt.text)
		assert.Equal(t, tt.want, got, "ExtractName(%q)", tt.text)
	}
}

func TestExtractRelativeName(t *testing.T) {
	tests := []struct {
		text  string
		want  string
		found bool
	}{
		{"Father: Mohan Lal House No: 4", "Mohan Lal", true},
		{"पिता का नाम : रमेश लिंग : पुरुष", "रमेश", true},
		{"Mother. Kamla", "Kamla", true},
		{"Name: Ram", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractRelativeName(tt.text)
		assert.Equal(t, tt.found, ok, "ExtractRelativeName(%q)", tt.text)
		assert.Equal(t, tt.want, got, "ExtractRelativeName(%q)", tt.text)
	}
}

func TestExtractRelationType(t *testing.T) {
	rel, ok := ExtractRelationType("Mother: Kamla")
	assert.True(t, ok)
	assert.Equal(t, RelationMother, rel)

	rel, ok = ExtractRelationType("पति : राम")
	assert.True(t, ok)
	assert.Equal(t, RelationHusband, rel)

	rel, ok = ExtractRelationType("Husband: Ram Mother: Kamla")
	assert.True(t, ok)
	assert.Equal(t, RelationHusband, rel)

	rel, ok = ExtractRelationType("Name: Ram")
	assert.False(t, ok)
	assert.Equal(t, RelationFather, rel)
}

func TestExtractHouseNumber(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"House No: 12/A", "12/A"},
		{"Makan Sankhya - 7-B", "7-B"},
		{"Grih: 101", "101"},
		{"Age: 45", ""},
	}

	for _, tt := range tests {
		got, _ := ExtractHouseNumber(tt.text)
		assert.Equal(t, tt.want, got, "ExtractHouseNumber(%q)", tt.text)
	}
}

func TestExtractAge(t *testing.T) {
	age, ok := ExtractAge("Age: 45")
	assert.True(t, ok)
	assert.Equal(t, 45, age)

	age, ok = ExtractAge("आयु : 62")
	assert.True(t, ok)
	assert.Equal(t, 62, age)

	age, ok = ExtractAge("Age: 99999999999999999999999")
	assert.False(t, ok)
	assert.Zero(t, age)

	age, ok = ExtractAge("no label here")
	assert.False(t, ok)
	assert.Zero(t, age)
}

func TestExtractGender(t *testing.T) {
	tests := []struct {
		text  string
		want  Gender
		found bool
	}{
		{"Gender: Male", GenderMale, true},
		{"Gender: Female", GenderFemale, true},
		{"Gender: F", GenderFemale, true},
		{"Gender: Mahila", GenderFemale, true},
		{"लिंग : महिला", GenderFemale, true},
		{"लिंग : पुरुष", GenderMale, true},
		{"Age: 20", GenderMale, false},
	}

	for _, tt := range tests {
		got, ok := ExtractGender(tt.text)
		assert.Equal(t, tt.found, ok, "ExtractGender(%q)", tt.text)
		assert.Equal(t, tt.want, got, "ExtractGender(%q)", tt.text)
	}
}

func TestExtractBlock(t *testing.T) {
	t.Run("no EPIC", func(t *testing.T) {
		v, defaulted := ExtractBlock("Name: Ram\nAge: 30", PageDefaults{})
		assert.Nil(t, v)
		assert.Nil(t, defaulted)
	})

	t.Run("husband overrides gender label", func(t *testing.T) {
		v, _ := ExtractBlock("XYZ1234567\nName: Sita\nHusband: Ram\nGender: Male", PageDefaults{})
		require.NotNil(t, v)
		assert.Equal(t, RelationHusband, v.RelationType)
		assert.Equal(t, GenderFemale, v.Gender)
	})

	t.Run("defaults and audit text", func(t *testing.T) {
		v, defaulted := ExtractBlock("ABO123456\nName: Ram", PageDefaults{Village: "Rampur", Area: "Ward 2"})
		require.NotNil(t, v)
		assert.Equal(t, "AB0123456", v.EPIC)
		assert.Equal(t, "Rampur", v.Village)
		assert.Equal(t, "Ward 2", v.Area)
		assert.Equal(t, "ABO123456 | Name: Ram", v.OriginalText)
		assert.ElementsMatch(t, []string{FieldRelativeName, FieldRelationType, FieldHouseNumber, FieldAge, FieldGender}, defaulted)
	})
}

func TestHeaderExtraction(t *testing.T) {
	v, ok := ExtractVillageHeader("भाग में अनुभागों की संख्या और नाम :\n3 - नया गांव\nअन्य")
	assert.True(t, ok)
	assert.Equal(t, "3 - नया गांव", v)

	p, ok := ExtractPanchayatHeader("ग्राम पंचायत - सलेमपुर\nवार्ड")
	assert.True(t, ok)
	assert.Equal(t, "सलेमपुर", p)

	_, ok = ExtractVillageHeader("XYZ1234567 Name: Ram")
	assert.False(t, ok)
}

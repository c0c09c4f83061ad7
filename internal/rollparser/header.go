package rollparser

import (
	"regexp"
	"strings"
)

// Page-header labels printed on the first page of a part of the roll.
var (
	villageHeader   = regexp.MustCompile(`(?i)भाग\s+में\s+अनुभागों\s+की\s+संख्या\s+और\s+नाम\s*[:\-\n]+\s*(\d+\s*-\s*[^\n]+)`)
	panchayatHeader = regexp.MustCompile(`(?i)पंचायत\s*[:\s-]+\s*([^\s][^\n:]+)`)
)

// ExtractVillageHeader returns the "section number - name" entry of the
// roll's section header, e.g. "1 - रामपुर".
func ExtractVillageHeader(text string) (string, bool) {
	raw, ok := firstGroup(villageHeader, text)
	if !ok {
		return "", false
	}
	v := strings.TrimSpace(raw)
	return v, v != ""
}

// ExtractPanchayatHeader returns the panchayat name from a page header.
func ExtractPanchayatHeader(text string) (string, bool) {
	raw, ok := firstGroup(panchayatHeader, text)
	if !ok {
		return "", false
	}
	v := strings.TrimSpace(raw)
	return v, v != ""
}

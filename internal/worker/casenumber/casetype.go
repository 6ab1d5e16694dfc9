package casenumber

import "strings"

// DefaultCaseType is used when neither the code nor the case name gives a hint
const DefaultCaseType = "기타"

var codeTypes = map[string]string{
	"드단": "가사", "드합": "가사", "느단": "가사", "느합": "가사",
	"가단": "민사", "가합": "민사", "가소": "민사",
	"고단": "형사", "고합": "형사", "고약": "형사",
	"타경": "집행", "타기": "집행", "타채": "집행", "타인": "집행", "타배": "집행",
	"나": "항소", "르": "항소", "노": "항소",
	"다": "상고", "므": "상고", "도": "상고",
}

// ClassifyCaseType derives a case category from the case code, falling back
// to keywords in the case name
func ClassifyCaseType(caseType, caseName string) string {
	for _, prefix := range []string{"카단", "카합", "즈단", "즈합"} {
		if strings.HasPrefix(caseType, prefix) {
			return "보전처분"
		}
	}
	if t, ok := codeTypes[caseType]; ok {
		return t
	}

	switch {
	case strings.Contains(caseName, "가압류"), strings.Contains(caseName, "가처분"):
		return "보전처분"
	case strings.Contains(caseName, "이혼"), strings.Contains(caseName, "양육권"),
		strings.Contains(caseName, "재산분할"), strings.Contains(caseName, "위자료"):
		return "가사"
	}

	return DefaultCaseType
}

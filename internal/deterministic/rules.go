package deterministic

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/mov-extract/internal/model"
)

// Rule is one declarative field pattern. Pattern is matched line by line
// ((?m) mode); its first capture group is handed to Normalize. A rule
// fires only when every match normalizes to the same value.
type Rule struct {
	Key       string
	Pattern   *regexp.Regexp
	Normalize func(raw string) (any, bool)
}

const (
	label = `(?mi)^[ \t]*`
	sep   = `[ \t]*(?:[:|=]|-[ \t])[ \t]*`
	rest  = `(.+?)[ \t]*$`
	count = `[ \t]*(?:[:|=\-][ \t]*)?(\d{1,5})[ \t]*$`
)

func mustRule(key, pattern string, normalize func(string) (any, bool)) Rule {
	return Rule{Key: key, Pattern: regexp.MustCompile(pattern), Normalize: normalize}
}

var piPattern = label + `(?:principal[ \t]+investigator|PI)(?:[ \t]+name)?` + sep + rest

var rules = []Rule{
	mustRule(model.KeyProtocolNumber, label+`protocol(?:[ \t]*(?:number|no\.?|#))?`+sep+`([A-Za-z0-9][A-Za-z0-9_./\-]{2,39})[ \t]*$`, normalizeCode),
	mustRule(model.KeySiteNumber, label+`site[ \t]*(?:number|no\.?|#|id)`+sep+`(\d+)[ \t]*$`, normalizeSiteNumber),
	mustRule(model.KeyCountry, label+`country`+sep+rest, normalizeName),
	mustRule(model.KeyInstitution, label+`(?:institution|site[ \t]+name)`+sep+rest, normalizeName),
	mustRule(model.KeyPIFirstName, piPattern, normalizePIFirst),
	mustRule(model.KeyPILastName, piPattern, normalizePILast),
	mustRule(model.KeyCity, label+`city`+sep+rest, normalizeName),
	mustRule(model.KeyOversightStaffName, label+`(?:clinical[ \t]+oversight[ \t]+manager|oversight[ \t]+staff|COM)(?:[ \t]+name)?`+sep+rest, normalizePerson),
	mustRule(model.KeyCRAName, label+`(?:CRA|clinical[ \t]+research[ \t]+associate)(?:[ \t]+name)?`+sep+rest, normalizePerson),
	mustRule(model.KeyVisitStartDate, label+`visit[ \t]+start[ \t]+date`+sep+rest, normalizeDate),
	mustRule(model.KeyVisitEndDate, label+`visit[ \t]+end[ \t]+date`+sep+rest, normalizeDate),
	mustRule(model.KeyVisitStartDate, label+`visit[ \t]+dates?`+sep+`(.+?)[ \t]+(?:to|through|until|–|—)[ \t]+.+?[ \t]*$`, normalizeDate),
	mustRule(model.KeyVisitEndDate, label+`visit[ \t]+dates?`+sep+`.+?[ \t]+(?:to|through|until|–|—)[ \t]+(.+?)[ \t]*$`, normalizeDate),
	mustRule(model.KeyVisitType, label+`visit[ \t]+type`+sep+rest, normalizeVisitType),

	mustRule(model.KeyScreened, label+`(?:(?:number[ \t]+of[ \t]+)?(?:subjects|patients)[ \t]+)?screened`+count, normalizeCount),
	mustRule(model.KeyScreenFailures, label+`(?:subjects[ \t]+)?screen(?:ing)?[ \t]*fail(?:ure)?s?`+count, normalizeCount),
	mustRule(model.KeyRandomizedEnrolled, label+`(?:subjects[ \t]+)?(?:randomi[sz]ed|enrolled)(?:[ \t]*/[ \t]*(?:randomi[sz]ed|enrolled))?`+count, normalizeCount),
	mustRule(model.KeyEarlyDiscontinued, label+`(?:subjects[ \t]+)?(?:early[ \t]+)?(?:discontinued|terminated|withdrawn)`+count, normalizeCount),
	mustRule(model.KeyCompletedTreatment, label+`(?:subjects[ \t]+)?completed[ \t]+(?:study[ \t]+)?treatment`+count, normalizeCount),
	mustRule(model.KeyCompletedStudy, label+`(?:subjects[ \t]+)?completed[ \t]+(?:the[ \t]+)?study`+count, normalizeCount),

	mustRule(model.KeySiteLevelRisk, label+`site[ \t-]+level[ \t]+risks?(?:[ \t]+identified)?[ \t?:]*`+rest, normalizeCheckbox),
	mustRule(model.KeyCRALevelRisk, label+`CRA[ \t-]+level[ \t]+risks?(?:[ \t]+identified)?[ \t?:]*`+rest, normalizeCheckbox),
	mustRule(model.KeyCountryLevelImpact, label+`(?:impact[ \t]+(?:at[ \t]+)?country[ \t-]+level|country[ \t-]+level[ \t]+impact)[ \t?:]*`+rest, normalizeCheckbox),
	mustRule(model.KeyStudyLevelImpact, label+`(?:impact[ \t]+(?:at[ \t]+)?study[ \t-]+level|study[ \t-]+level[ \t]+impact)[ \t?:]*`+rest, normalizeCheckbox),
}

// Rules returns the header, recruitment and risk rule table in evaluation
// order. Question anchors are handled separately.
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

const maxNameLen = 200

func cleanValue(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, " .,;:|")
	return strings.Join(strings.Fields(s), " ")
}

func normalizeName(raw string) (any, bool) {
	v := cleanValue(raw)
	if v == "" || utf8.RuneCountInString(v) > maxNameLen || isPlaceholder(v) {
		return nil, false
	}
	return v, true
}

func isPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "n/a", "na", "nr", "tbd", "-", "none", "not applicable", "not reported":
		return true
	}
	return false
}

func normalizeCode(raw string) (any, bool) {
	v := strings.ToUpper(cleanValue(raw))
	if len(v) < 3 || isPlaceholder(v) {
		return nil, false
	}
	return v, true
}

func normalizeSiteNumber(raw string) (any, bool) {
	v := cleanValue(raw)
	if len(v) != 6 {
		return nil, false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return v, true
}

var honorifics = map[string]struct{}{
	"dr": {}, "dr.": {}, "prof": {}, "prof.": {}, "mr": {}, "mr.": {},
	"mrs": {}, "mrs.": {}, "ms": {}, "ms.": {}, "md": {}, "m.d.": {}, "phd": {}, "ph.d.": {},
}

// splitPerson returns first and last name from "Dr. Jane Q. Smith, MD" or
// "Smith, Jane".
func splitPerson(raw string) (first, last string, ok bool) {
	v := cleanValue(raw)
	if v == "" || isPlaceholder(v) {
		return "", "", false
	}
	// "Last, First" unless the part after the comma is a degree.
	if parts := strings.SplitN(v, ",", 2); len(parts) == 2 {
		after := strings.TrimSpace(parts[1])
		if _, degree := honorifics[strings.ToLower(after)]; !degree && after != "" {
			v = after + " " + strings.TrimSpace(parts[0])
		} else {
			v = strings.TrimSpace(parts[0])
		}
	}
	var words []string
	for _, w := range strings.Fields(v) {
		if _, h := honorifics[strings.ToLower(w)]; h {
			continue
		}
		words = append(words, w)
	}
	if len(words) < 2 {
		return "", "", false
	}
	return words[0], words[len(words)-1], true
}

func normalizePIFirst(raw string) (any, bool) {
	first, _, ok := splitPerson(raw)
	if !ok {
		return nil, false
	}
	return first, true
}

func normalizePILast(raw string) (any, bool) {
	_, last, ok := splitPerson(raw)
	if !ok {
		return nil, false
	}
	return last, true
}

func normalizePerson(raw string) (any, bool) {
	first, last, ok := splitPerson(raw)
	if !ok {
		return nil, false
	}
	return first + " " + last, true
}

func normalizeDate(raw string) (any, bool) {
	d, err := model.ParseDate(cleanValue(raw))
	if err != nil {
		return nil, false
	}
	return d, true
}

func normalizeVisitType(raw string) (any, bool) {
	vt, err := model.ParseVisitType(cleanValue(raw))
	if err != nil {
		return nil, false
	}
	return vt, true
}

func normalizeCount(raw string) (any, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, false
	}
	return n, true
}

func normalizeCheckbox(raw string) (any, bool) {
	ans, prefix, ok := parseCheckboxes(raw)
	if !ok || prefix != "" {
		return nil, false
	}
	switch ans {
	case model.AnswerYes:
		return true, true
	case model.AnswerNo:
		return false, true
	}
	return nil, false
}

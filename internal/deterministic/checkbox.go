package deterministic

import (
	"regexp"
	"strings"

	"github.com/sells-group/mov-extract/internal/model"
)

// checkboxOption matches one "<box> <label>" pair, e.g. "[X] Yes", "☐ No",
// "( ) N/A".
var checkboxOption = regexp.MustCompile(`(?i)(\[\s*[x✓✔]?\s*\]|\(\s*[x✓✔]?\s*\)|[☒☑☐■□])\s*(yes|no|n/a|na|nr)\b`)

// parseCheckboxes reads a run of checkbox options. The run must hold at
// least two options and nothing else after the first one; exactly one box
// must be checked. prefix is the text before the run.
func parseCheckboxes(s string) (ans model.Answer, prefix string, ok bool) {
	locs := checkboxOption.FindAllStringSubmatchIndex(s, -1)
	if len(locs) < 2 {
		return "", "", false
	}
	// Only whitespace may sit between and after the options.
	for i, loc := range locs {
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if strings.TrimSpace(s[loc[1]:end]) != "" {
			return "", "", false
		}
	}

	checked := 0
	for _, loc := range locs {
		box := s[loc[2]:loc[3]]
		if !isChecked(box) {
			continue
		}
		checked++
		a, err := model.ParseAnswer(s[loc[4]:loc[5]])
		if err != nil {
			return "", "", false
		}
		ans = a
	}
	if checked != 1 {
		return "", "", false
	}
	return ans, strings.TrimSpace(s[:locs[0][0]]), true
}

func isChecked(box string) bool {
	switch box {
	case "☒", "☑", "■":
		return true
	case "☐", "□":
		return false
	}
	inner := strings.TrimSpace(strings.Trim(box, "[]()"))
	return inner != ""
}

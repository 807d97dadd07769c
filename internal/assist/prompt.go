package assist

import (
	"fmt"
	"strings"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/model"
)

const rulesPrompt = `You extract structured data from clinical trial Monitoring Oversight Visit (MOV) reports.

Rules:
- Use only the document excerpt you are given. Never infer, guess or fill in values that are not written in it.
- If a value is absent from the excerpt, return null for it. For a question whose answer is absent, return null.
- Answer "NR" only when the excerpt explicitly marks the question as not reported.
- For every non-null value, "evidence" must quote the excerpt text (at most 400 characters) that supports it. A value without evidence is discarded.
- "confidence" is your certainty between 0 and 1.
- Respond with a single JSON object and nothing else:
  {"fields": [{"key": "<key>", "value": <value or null>, "confidence": <0..1>, "evidence": "<quote>"}]}
- Return exactly one entry for every key you are asked for.

Value formats:
- header.* : string. Dates as YYYY-MM-DD. header.site_number is 6 digits. header.visit_type is one of SIV, IMV, COV.
- recruitment.* : non-negative integer.
- question.<id> : {"answer": "Yes"|"No"|"N/A"|"NR", "narrative_summary": string (max 500 chars), "key_finding": string (max 200 chars, the specific issue found, or null), "sentiment": "Positive"|"Negative"|"Neutral"|"Unknown"}
- actions : array of {"item_number": int, "description": string, "action_to_be_taken": string, "responsible_party": string, "due_date": string, "status": string}
- risk.site_level_risk, risk.cra_level_risk, risk.country_level_impact, risk.study_level_impact : boolean.
- risk.narrative : string summarizing identified risks.
- synthesis.overall_site_quality : one of Excellent, Good, Adequate, Needs Improvement, Poor.
- synthesis.key_concerns, synthesis.key_strengths : array of at most 5 short strings.
`

// systemPrompt is the stable prefix shared by every request: rules and the
// canonical question list.
func systemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString(rulesPrompt)
	fmt.Fprintf(&b, "\nCanonical questions (catalog %s):\n", cat.Version())
	for _, q := range cat.All() {
		fmt.Fprintf(&b, "Q%d: %s\n", q.ID, q.Text)
	}
	return b.String()
}

var groupInstructions = map[string]string{
	groupHeader:    "The excerpt is the beginning and end of the report. Extract the site header and the recruitment counts.",
	groupQuestions: "The excerpt covers the questionnaire section. For each question, find the checked answer and summarize the reviewer's comments.",
	groupActions:   "Extract every action item listed in the report, in order.",
	groupSynthesis: "The excerpt is the end of the report. Extract the risk assessment and the overall assessment of the site.",
}

// userPrompt renders the per-request message.
func userPrompt(req request) string {
	var b strings.Builder
	b.WriteString(groupInstructions[req.group])
	b.WriteString("\n\nKeys:\n")
	for _, k := range req.keys {
		b.WriteString("- ")
		b.WriteString(k)
		if id, ok := model.QuestionID(k); ok {
			fmt.Fprintf(&b, " (Q%d)", id)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nDocument excerpt:\n<<<\n")
	b.WriteString(req.window)
	b.WriteString("\n>>>\n")
	return b.String()
}

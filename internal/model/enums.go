package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Answer is the recorded response to a canonical question.
type Answer string

const (
	AnswerYes           Answer = "Yes"
	AnswerNo            Answer = "No"
	AnswerNotApplicable Answer = "N/A"
	AnswerNotReported   Answer = "NR" // explicitly absent in the source document
)

// ParseAnswer maps the spellings found in reports and model output onto an
// Answer.
func ParseAnswer(s string) (Answer, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "yes", "y":
		return AnswerYes, nil
	case "no", "n":
		return AnswerNo, nil
	case "n/a", "na", "not applicable":
		return AnswerNotApplicable, nil
	case "nr", "not reported", "null", "":
		return AnswerNotReported, nil
	}
	return "", eris.Errorf("model: invalid answer %q", s)
}

// Valid reports whether a is one of the enumerated answers.
func (a Answer) Valid() bool {
	switch a {
	case AnswerYes, AnswerNo, AnswerNotApplicable, AnswerNotReported:
		return true
	}
	return false
}

// DefaultSentiment is the sentiment implied by the answer alone.
func (a Answer) DefaultSentiment() Sentiment {
	switch a {
	case AnswerYes:
		return SentimentPositive
	case AnswerNo:
		return SentimentNegative
	case AnswerNotApplicable:
		return SentimentNeutral
	}
	return SentimentUnknown
}

// Sentiment classifies a question response as good, bad or neither.
type Sentiment string

const (
	SentimentPositive Sentiment = "Positive"
	SentimentNegative Sentiment = "Negative"
	SentimentNeutral  Sentiment = "Neutral"
	SentimentUnknown  Sentiment = "Unknown"
)

// Valid reports whether s is one of the enumerated sentiments.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentUnknown:
		return true
	}
	return false
}

// ParseSentiment is case-insensitive. Empty maps to Unknown.
func ParseSentiment(s string) (Sentiment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return SentimentPositive, nil
	case "negative":
		return SentimentNegative, nil
	case "neutral":
		return SentimentNeutral, nil
	case "unknown", "":
		return SentimentUnknown, nil
	}
	return "", eris.Errorf("model: invalid sentiment %q", s)
}

// VisitType is the kind of monitoring visit.
type VisitType string

const (
	VisitSIV VisitType = "SIV" // site initiation
	VisitIMV VisitType = "IMV" // interim monitoring
	VisitCOV VisitType = "COV" // close-out
)

// ParseVisitType accepts "IMV", "imv mov", "IMV MOV" and similar.
func ParseVisitType(s string) (VisitType, error) {
	f := strings.Fields(strings.ToUpper(s))
	if len(f) == 0 {
		return "", eris.New("model: empty visit type")
	}
	switch VisitType(f[0]) {
	case VisitSIV, VisitIMV, VisitCOV:
		return VisitType(f[0]), nil
	}
	return "", eris.Errorf("model: invalid visit type %q", s)
}

// Valid reports whether v is enumerated.
func (v VisitType) Valid() bool {
	switch v {
	case VisitSIV, VisitIMV, VisitCOV:
		return true
	}
	return false
}

// SiteQuality is the overall rating of the site.
type SiteQuality string

const (
	QualityExcellent        SiteQuality = "Excellent"
	QualityGood             SiteQuality = "Good"
	QualityAdequate         SiteQuality = "Adequate"
	QualityNeedsImprovement SiteQuality = "Needs Improvement"
	QualityPoor             SiteQuality = "Poor"
)

// ParseSiteQuality is case- and spacing-insensitive.
func ParseSiteQuality(s string) (SiteQuality, error) {
	norm := strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), ""))
	switch norm {
	case "excellent":
		return QualityExcellent, nil
	case "good":
		return QualityGood, nil
	case "adequate":
		return QualityAdequate, nil
	case "needsimprovement":
		return QualityNeedsImprovement, nil
	case "poor":
		return QualityPoor, nil
	}
	return "", eris.Errorf("model: invalid site quality %q", s)
}

// Valid reports whether q is enumerated. The empty value is treated as
// not yet rated.
func (q SiteQuality) Valid() bool {
	switch q {
	case "", QualityExcellent, QualityGood, QualityAdequate, QualityNeedsImprovement, QualityPoor:
		return true
	}
	return false
}

// ReviewStatus is the lifecycle state of a stored report.
type ReviewStatus string

const (
	StatusDraft        ReviewStatus = "draft"
	StatusAutoApproved ReviewStatus = "auto-approved"
	StatusNeedsReview  ReviewStatus = "needs-review"
	StatusApproved     ReviewStatus = "approved"
	StatusRejected     ReviewStatus = "rejected"
)

// Final reports whether s is a human-decided terminal state.
func (s ReviewStatus) Final() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusAutoApproved, StatusNeedsReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

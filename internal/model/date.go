package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DateLayout is the canonical wire format of a Date.
const DateLayout = "2006-01-02"

// Date is a calendar date in DateLayout. The zero value means unknown.
// ISO formatting makes string comparison equal to chronological order.
type Date string

var dateLayouts = []string{
	DateLayout,
	"02-Jan-2006",
	"2-Jan-2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"02-January-2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
}

// ParseDate normalizes the date spellings seen in reports.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "."))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date(t.Format(DateLayout)), nil
		}
	}
	// time.Parse matches month names case-sensitively ("Jan", not "JAN").
	titled := cases.Title(language.English).String(strings.ToLower(s))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, titled); err == nil {
			return Date(t.Format(DateLayout)), nil
		}
	}
	return "", eris.Errorf("model: unrecognized date %q", s)
}

// Time returns the date at UTC midnight.
func (d Date) Time() (time.Time, error) {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", string(d))
	}
	return t, nil
}

// IsZero reports whether the date is unknown.
func (d Date) IsZero() bool { return d == "" }

// Valid reports whether d is empty or a well-formed DateLayout date.
func (d Date) Valid() bool {
	if d == "" {
		return true
	}
	_, err := time.Parse(DateLayout, string(d))
	return err == nil
}

// Package schedule builds the weekly tournament link announcement.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the accepted input date format.
const DateLayout = "2006-01-02"

const defaultBracketBase = "http://narivals.challonge.com"

// Series is one championship series in the weekly rotation.
type Series struct {
	Code      string
	Name      string
	DayOffset int // relative to the national event
	NumOffset int // relative to the national event number
}

// Rotation lists the series in announcement order.
var Rotation = []Series{
	{Code: "ccs", Name: "Central Championship Series", DayOffset: -4, NumOffset: -10},
	{Code: "wcs", Name: "Western Championship Series", DayOffset: -3, NumOffset: 5},
	{Code: "ecs", Name: "Eastern Championship Series", DayOffset: -1, NumOffset: 5},
	{Code: "ncs", Name: "National Championship Series", DayOffset: 0, NumOffset: 0},
}

// Link is one scheduled bracket.
type Link struct {
	Date   time.Time `json:"date"`
	Series string    `json:"series"`
	Name   string    `json:"name"`
	Number int       `json:"number"`
	URL    string    `json:"url"`
}

// Links returns the week's brackets ending with the national event on
// date, numbered from ncsNumber. bracketBase may be empty.
func Links(date time.Time, ncsNumber int, bracketBase string) []Link {
	if bracketBase == "" {
		bracketBase = defaultBracketBase
	}
	bracketBase = strings.TrimRight(bracketBase, "/")

	links := make([]Link, 0, len(Rotation))
	for _, s := range Rotation {
		n := ncsNumber + s.NumOffset
		links = append(links, Link{
			Date:   date.AddDate(0, 0, s.DayOffset),
			Series: s.Code,
			Name:   s.Name,
			Number: n,
			URL:    fmt.Sprintf("%s/%s%d", bracketBase, s.Code, n),
		})
	}
	return links
}

// ParseDate parses a yyyy-mm-dd date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected yyyy-mm-dd", raw)
	}
	return t, nil
}

// Format renders links as a chat announcement.
func Format(links []Link) string {
	blocks := make([]string, 0, len(links))
	for _, l := range links {
		blocks = append(blocks, fmt.Sprintf("`-`  **%s %s, %d**\n*%s #%d*\nBracket: %s",
			l.Date.Month(), Ordinal(l.Date.Day()), l.Date.Year(), l.Name, l.Number, l.URL))
	}
	return strings.Join(blocks, "\n\n")
}

// Ordinal returns n with its English suffix: 1st, 2nd, 3rd, 4th, 11th, 21st.
func Ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

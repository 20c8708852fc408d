// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dates recognizes the relative time phrases users put in goals
// ("past 2 days", "yesterday", "this month") and expands them into
// concrete day sequences against an anchor date.
//
// The planner's temporal passes, the date-range orchestrator, and the
// clock tool all share this vocabulary so a phrase means the same set
// of days everywhere.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format is the wire form for a concrete day.
const Format = "2006-01-02"

// MaxSpanDays bounds how many days a single phrase may expand to, which
// in turn bounds orchestrator fan-out.
const MaxSpanDays = 31

var concreteRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// rule pairs a phrase pattern with its expansion.
type rule struct {
	re     *regexp.Regexp
	expand func(m []string, anchor time.Time) []string
}

var rules = []rule{
	{
		// "past 2 days", "last three weeks", "previous 7 days"
		re: regexp.MustCompile(`(?i)\b(?:past|last|previous)\s+(\d{1,3}|one|two|three|four|five|six|seven|eight|nine|ten)\s+(days?|weeks?)\b`),
		expand: func(m []string, anchor time.Time) []string {
			n := wordToNumber(m[1])
			if strings.HasPrefix(strings.ToLower(m[2]), "week") {
				n *= 7
			}
			return daysEnding(anchor, n)
		},
	},
	{
		re:     regexp.MustCompile(`(?i)\byesterday\b`),
		expand: func(_ []string, anchor time.Time) []string { return daysEnding(anchor.AddDate(0, 0, -1), 1) },
	},
	{
		re:     regexp.MustCompile(`(?i)\btoday\b`),
		expand: func(_ []string, anchor time.Time) []string { return daysEnding(anchor, 1) },
	},
	{
		re: regexp.MustCompile(`(?i)\bthis\s+week\b`),
		expand: func(_ []string, anchor time.Time) []string {
			return daysBetween(weekStart(anchor), anchor)
		},
	},
	{
		re: regexp.MustCompile(`(?i)\bthis\s+month\b`),
		expand: func(_ []string, anchor time.Time) []string {
			first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())
			return daysBetween(first, anchor)
		},
	},
	{
		re:     regexp.MustCompile(`(?i)\bpast\s+week\b`),
		expand: func(_ []string, anchor time.Time) []string { return daysEnding(anchor, 7) },
	},
	{
		// Previous ISO week, Monday through Sunday.
		re: regexp.MustCompile(`(?i)\blast\s+week\b`),
		expand: func(_ []string, anchor time.Time) []string {
			start := weekStart(anchor).AddDate(0, 0, -7)
			return daysBetween(start, start.AddDate(0, 0, 6))
		},
	},
	{
		re:     regexp.MustCompile(`(?i)\bpast\s+month\b`),
		expand: func(_ []string, anchor time.Time) []string { return daysEnding(anchor, 30) },
	},
	{
		// Previous calendar month.
		re: regexp.MustCompile(`(?i)\blast\s+month\b`),
		expand: func(_ []string, anchor time.Time) []string {
			first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location()).AddDate(0, -1, 0)
			last := first.AddDate(0, 1, -1)
			return daysBetween(first, last)
		},
	},
}

// Match finds the first relative time phrase in free text.
//
// Outputs:
//
//	string - The matched phrase as written, e.g. "past 2 days".
//	bool - Whether any phrase was found.
func Match(text string) (string, bool) {
	best := []int{-1, -1}
	for _, r := range rules {
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		// Leftmost wins; on a tie the longer match wins so "last 2
		// weeks" beats "last week".
		if best[0] == -1 || loc[0] < best[0] || (loc[0] == best[0] && loc[1]-loc[0] > best[1]-best[0]) {
			best = loc
		}
	}
	if best[0] == -1 {
		return "", false
	}
	return text[best[0]:best[1]], true
}

// IsRelative reports whether the text contains a recognized relative
// time phrase.
func IsRelative(text string) bool {
	_, ok := Match(text)
	return ok
}

// IsConcrete reports whether the value is already a concrete day in
// wire form (YYYY-MM-DD).
func IsConcrete(s string) bool {
	return concreteRe.MatchString(strings.TrimSpace(s))
}

// Expand resolves a relative phrase into an ascending sequence of
// concrete days.
//
// Description:
//
//	The phrase may be embedded in surrounding words ("for the past 2
//	days"); the first recognized phrase governs. Counting phrases end
//	on the anchor day: "past 2 days" anchored on a Monday yields the
//	Sunday and the Monday. Calendar phrases ("last week", "last
//	month") cover the previous calendar unit.
//
// Outputs:
//
//	[]string - Days in Format order, oldest first.
//	error - Non-nil when no phrase is present or the span exceeds
//	        MaxSpanDays.
func Expand(phrase string, anchor time.Time) ([]string, error) {
	for _, r := range rules {
		m := r.re.FindStringSubmatch(phrase)
		if m == nil {
			continue
		}
		days := r.expand(m, anchor)
		if len(days) > MaxSpanDays {
			return nil, fmt.Errorf("%q spans %d days, limit is %d", phrase, len(days), MaxSpanDays)
		}
		return days, nil
	}
	return nil, fmt.Errorf("no relative time phrase in %q", phrase)
}

func wordToNumber(s string) int {
	if n, ok := numberWords[strings.ToLower(s)]; ok {
		return n
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return n
}

// daysEnding returns n days in ascending order, ending on the anchor day.
func daysEnding(anchor time.Time, n int) []string {
	if n < 1 {
		n = 1
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = anchor.AddDate(0, 0, -i).Format(Format)
	}
	return out
}

// daysBetween returns every day from start through end inclusive.
func daysBetween(start, end time.Time) []string {
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(Format))
	}
	return out
}

// weekStart returns the Monday of the anchor's week.
func weekStart(anchor time.Time) time.Time {
	offset := (int(anchor.Weekday()) + 6) % 7
	day := anchor.AddDate(0, 0, -offset)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, anchor.Location())
}

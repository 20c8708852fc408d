// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dates

import (
	"reflect"
	"testing"
	"time"
)

// anchor is a Monday so week phrases have unambiguous expectations.
var anchor = time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"embedded counting phrase", "show cpu utilization for the past 2 days", "past 2 days", true},
		{"word number", "compare memory over the last three days", "last three days", true},
		{"weeks", "trends for the previous 2 weeks", "previous 2 weeks", true},
		{"yesterday", "what happened yesterday?", "yesterday", true},
		{"bare today", "current load today", "today", true},
		{"this week", "summarize this week", "this week", true},
		{"last week beats nothing", "report on last week", "last week", true},
		{"longest wins at same position", "report on last 2 weeks", "last 2 weeks", true},
		{"leftmost wins", "today versus the past 3 days", "today", true},
		{"case insensitive", "Show the PAST 2 DAYS", "PAST 2 DAYS", true},
		{"concrete date is not relative", "cpu on 2026-08-23", "", false},
		{"no phrase", "list all measurements", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Match(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name   string
		phrase string
		want   []string
	}{
		{"past 2 days ends on anchor", "past 2 days", []string{"2026-08-23", "2026-08-24"}},
		{"word number", "last three days", []string{"2026-08-22", "2026-08-23", "2026-08-24"}},
		{"yesterday", "yesterday", []string{"2026-08-23"}},
		{"today", "today", []string{"2026-08-24"}},
		{"this week on a monday is one day", "this week", []string{"2026-08-24"}},
		{"past week", "past week", []string{
			"2026-08-18", "2026-08-19", "2026-08-20", "2026-08-21",
			"2026-08-22", "2026-08-23", "2026-08-24",
		}},
		{"last week is previous monday through sunday", "last week", []string{
			"2026-08-17", "2026-08-18", "2026-08-19", "2026-08-20",
			"2026-08-21", "2026-08-22", "2026-08-23",
		}},
		{"embedded phrase governs", "for the past 2 days", []string{"2026-08-23", "2026-08-24"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.phrase, anchor)
			if err != nil {
				t.Fatalf("Expand(%q): %v", tt.phrase, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Expand(%q) = %v, want %v", tt.phrase, got, tt.want)
			}
		})
	}
}

func TestExpand_CalendarSpans(t *testing.T) {
	thisMonth, err := Expand("this month", anchor)
	if err != nil {
		t.Fatalf("this month: %v", err)
	}
	if len(thisMonth) != 24 || thisMonth[0] != "2026-08-01" || thisMonth[23] != "2026-08-24" {
		t.Fatalf("this month = %d days [%s..%s]", len(thisMonth), thisMonth[0], thisMonth[len(thisMonth)-1])
	}

	lastMonth, err := Expand("last month", anchor)
	if err != nil {
		t.Fatalf("last month: %v", err)
	}
	if len(lastMonth) != 31 || lastMonth[0] != "2026-07-01" || lastMonth[30] != "2026-07-31" {
		t.Fatalf("last month = %d days [%s..%s]", len(lastMonth), lastMonth[0], lastMonth[len(lastMonth)-1])
	}

	pastMonth, err := Expand("past month", anchor)
	if err != nil {
		t.Fatalf("past month: %v", err)
	}
	if len(pastMonth) != 30 || pastMonth[0] != "2026-07-26" || pastMonth[29] != "2026-08-24" {
		t.Fatalf("past month = %d days [%s..%s]", len(pastMonth), pastMonth[0], pastMonth[len(pastMonth)-1])
	}
}

func TestExpand_Errors(t *testing.T) {
	if _, err := Expand("past 90 days", anchor); err == nil {
		t.Fatal("expected span limit error for past 90 days")
	}
	if _, err := Expand("2026-08-23", anchor); err == nil {
		t.Fatal("expected error for a concrete date")
	}
	if _, err := Expand("all measurements", anchor); err == nil {
		t.Fatal("expected error for text without a phrase")
	}
}

func TestIsConcrete(t *testing.T) {
	if !IsConcrete("2026-08-23") {
		t.Fatal("2026-08-23 should be concrete")
	}
	if !IsConcrete("  2026-08-23  ") {
		t.Fatal("whitespace should be tolerated")
	}
	if IsConcrete("past 2 days") {
		t.Fatal("a phrase is not concrete")
	}
	if IsConcrete("2026-8-3") {
		t.Fatal("unpadded dates are not wire form")
	}
}

func TestIsRelative(t *testing.T) {
	if !IsRelative("past 2 days") {
		t.Fatal("past 2 days is relative")
	}
	if IsRelative("2026-08-23") {
		t.Fatal("a concrete date is not relative")
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/kodiak/services/agent"
)

// The spellings models use for phase references. Each pattern is fully
// anchored: a string converts only when the whole value is a reference,
// never when a reference merely appears inside prose.
//
// Capture groups: 1 = phase index, 2 = optional key.
var phaseRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\$\{?phase[._ ]?(\d+)(?:\.(\w+))?\}?$`),
	regexp.MustCompile(`(?i)^\{\{\s*phase[._ ]?(\d+)(?:\.(\w+))?\s*\}\}$`),
	regexp.MustCompile(`(?i)^<\s*phase[._ ]?(\d+)(?:\.(\w+))?\s*>$`),
	regexp.MustCompile(`(?i)^(?:the\s+)?(?:results?|output)(?:_|\s+)(?:of(?:_|\s+))?phase[._ ]?(\d+)(?:\.(\w+))?$`),
	regexp.MustCompile(`(?i)^phase[._ ](\d+)(?:\.(\w+))?$`),
}

// Loop item spellings. Capture group 1 = optional key. These apply only
// inside loop phases; outside a loop "item" is an ordinary literal.
var itemRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\$\{?(?:loop_)?item(?:\.(\w+))?\}?$`),
	regexp.MustCompile(`(?i)^\{\{\s*(?:loop_)?item(?:\.(\w+))?\s*\}\}$`),
	regexp.MustCompile(`(?i)^<\s*(?:loop_)?item(?:\.(\w+))?\s*>$`),
	regexp.MustCompile(`(?i)^(?:loop_)?item(?:\.(\w+))?$`),
}

// normalizeValue converts one raw decoded argument into canonical form.
//
// Description:
//
//	Strings are matched against the known reference spellings. Maps are
//	checked for the canonical wire spellings ({"from_phase": n},
//	{"item": true}, {"literal": v}); anything else is kept whole as a
//	literal. The canonical map check is explicit on purpose: feeding a
//	free-form map through the ArgumentValue codec would silently decode
//	it as a nil literal.
func normalizeValue(raw any, inLoop bool) agent.ArgumentValue {
	switch v := raw.(type) {
	case string:
		return normalizeString(v, inLoop)
	case map[string]any:
		return normalizeMap(v, inLoop)
	default:
		return agent.LiteralValue(raw)
	}
}

func normalizeString(s string, inLoop bool) agent.ArgumentValue {
	trimmed := strings.TrimSpace(s)
	for _, re := range phaseRefPatterns {
		if m := re.FindStringSubmatch(trimmed); m != nil {
			phase, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return agent.PhaseRef(phase, m[2])
		}
	}
	if inLoop {
		for _, re := range itemRefPatterns {
			if m := re.FindStringSubmatch(trimmed); m != nil {
				return agent.LoopItemValue(m[1])
			}
		}
	}
	return agent.LiteralValue(s)
}

func normalizeMap(obj map[string]any, inLoop bool) agent.ArgumentValue {
	if phase, ok := intField(obj, "from_phase", "phase"); ok {
		return agent.PhaseRef(phase, stringField(obj, "key"))
	}
	if item, ok := obj["item"].(bool); ok && item && inLoop {
		return agent.LoopItemValue(stringField(obj, "key"))
	}
	if lit, ok := obj["literal"]; ok && len(obj) == 1 {
		return agent.LiteralValue(lit)
	}
	return agent.LiteralValue(obj)
}

// intField reads the first present integer field, tolerating the float64
// that encoding/json produces and numeric strings.
func intField(obj map[string]any, names ...string) (int, bool) {
	for _, n := range names {
		switch v := obj[n].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

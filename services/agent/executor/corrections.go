// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/agent/resolve"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/tools"
)

// =============================================================================
// Error Pattern Tables
// =============================================================================

// Precompiled patterns the strategies match against backend error text.
// Kept at package level so the chain allocates nothing per failure.
var (
	objectNotFoundPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)referenced object does not exist`),
		regexp.MustCompile(`(?i)\b(measurement|table|object|series|bucket)\b[^\n]*\b(not found|does not exist|doesn't exist)`),
		regexp.MustCompile(`(?i)\b(unknown|no such) (measurement|table|object|series|bucket)\b`),
	}

	fieldNotFoundPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(field|column|key|tag)\b[^\n]*\b(not found|does not exist|doesn't exist)`),
		regexp.MustCompile(`(?i)\b(unknown|no such) (field|column|key|tag)\b`),
	}

	structuredOutputPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(structured output|output schema|response format|content type)[^\n]*(fail|invalid|mismatch)`),
		regexp.MustCompile(`(?i)validation (failed|error)`),
		regexp.MustCompile(`(?i)must be plain text`),
	}

	// quotedName and trailingName pull the offending identifier out of an
	// error message, e.g. measurement 'cpuu' not found / does not exist: foo.
	quotedNamePattern   = regexp.MustCompile("[\"'`]([^\"'`]+)[\"'`]")
	trailingNamePattern = regexp.MustCompile(`(?i)(?:exist|found|unknown \w+|no such \w+)[:\s]+([A-Za-z0-9_.\-]+)`)
)

// objectArgNames are argument names that conventionally carry the object
// an error is about, probed when the error text does not quote a value
// present in the arguments.
var objectArgNames = []string{"measurement", "table", "object", "series", "name"}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// =============================================================================
// Strategy Chain
// =============================================================================

// failure describes one failed attempt for the strategy chain.
type failure struct {
	action  *agent.TraceAction
	errText string

	// attempt is the 1-based correction number within the phase budget.
	attempt int
}

// Strategy is one correction rule: a cheap match on the error text plus
// the proposal itself. The chain is ordered data, first match wins; a
// matched rule that cannot form a grounded proposal yields to the next
// rule, so the catch-all always gets its chance.
type Strategy struct {
	Name    string
	Matches func(errText string) bool
	Propose func(ctx context.Context, e *Executor, r *phaseRun, f *failure) *agent.CorrectionAttempt
}

// strategies returns the chain in priority order. Specific, grounded
// repairs come first; the LLM catch-all is last and matches everything.
func strategies() []Strategy {
	return []Strategy{
		objectNotFoundStrategy(),
		fieldNotFoundStrategy(),
		catchAllStrategy(),
	}
}

// propose walks the chain for one failed attempt and returns the first
// usable proposal, or nil when no rule could form one.
func (e *Executor) propose(ctx context.Context, r *phaseRun, f *failure) *agent.CorrectionAttempt {
	for _, s := range e.chain {
		if !s.Matches(f.errText) {
			continue
		}
		attempt := s.Propose(ctx, e, r, f)
		if attempt == nil {
			continue
		}
		if attempt.Strategy == "" {
			attempt.Strategy = s.Name
		}
		attempt.MatchedError = f.errText
		attempt.AttemptNumber = f.attempt
		return attempt
	}
	return nil
}

// =============================================================================
// Object Not Found
// =============================================================================

// objectNotFoundStrategy repairs a hallucinated object name by asking
// the backend what actually exists. The enumeration is a recorded call;
// the replacement is only proposed when a listed name is close to the
// hallucinated one — the strategy never guesses.
func objectNotFoundStrategy() Strategy {
	return Strategy{
		Name: "object_not_found",
		Matches: func(errText string) bool {
			return matchesAny(objectNotFoundPatterns, errText)
		},
		Propose: func(ctx context.Context, e *Executor, r *phaseRun, f *failure) *agent.CorrectionAttempt {
			enum, ok := e.env.Catalog.FirstToolByClass(tools.ClassEnumerate)
			if !ok {
				return nil
			}
			result, err := e.invoker(r).Invoke(ctx,
				agent.Target{Kind: agent.TargetTool, Name: enum.Name},
				map[string]any{},
				map[string]any{"correction": "object_not_found"},
			)
			if err != nil || !result.Succeeded() {
				return nil
			}
			names := nameStrings(result.Payload)
			missing := missingName(f.errText, f.action.Arguments)
			best, ok := closestName(missing, names)
			if !ok {
				return nil
			}
			args, replaced := replaceArgValue(f.action.Arguments, missing, best)
			if !replaced {
				args, replaced = setObjectArg(f.action.Arguments, best)
			}
			if !replaced {
				return nil
			}
			return &agent.CorrectionAttempt{
				ProposedAction: &agent.TraceAction{Target: f.action.Target, Arguments: args},
			}
		},
	}
}

// =============================================================================
// Field Not Found
// =============================================================================

// fieldNotFoundStrategy repairs a hallucinated field or column name by
// describing the object's real schema and substituting the closest real
// field. Like enumeration, the describe call is recorded and nothing is
// guessed.
func fieldNotFoundStrategy() Strategy {
	return Strategy{
		Name: "field_not_found",
		Matches: func(errText string) bool {
			return matchesAny(fieldNotFoundPatterns, errText)
		},
		Propose: func(ctx context.Context, e *Executor, r *phaseRun, f *failure) *agent.CorrectionAttempt {
			describe, ok := e.env.Catalog.FirstToolByClass(tools.ClassDescribe)
			if !ok {
				return nil
			}
			_, object, ok := objectArgValue(f.action.Arguments)
			if !ok {
				return nil
			}
			describeArgs := map[string]any{}
			if schema, ok := e.env.Catalog.ToolSchema(describe.Name); ok {
				if req := schema.Required(); len(req) > 0 {
					describeArgs[req[0].Name] = object
				}
			}
			result, err := e.invoker(r).Invoke(ctx,
				agent.Target{Kind: agent.TargetTool, Name: describe.Name},
				describeArgs,
				map[string]any{"correction": "field_not_found"},
			)
			if err != nil || !result.Succeeded() {
				return nil
			}
			fields := nameStrings(result.Payload)
			missing := missingName(f.errText, f.action.Arguments)
			best, ok := closestName(missing, fields)
			if !ok {
				return nil
			}
			args, replaced := replaceArgValue(f.action.Arguments, missing, best)
			if !replaced {
				return nil
			}
			return &agent.CorrectionAttempt{
				ProposedAction: &agent.TraceAction{Target: f.action.Target, Arguments: args},
			}
		},
	}
}

// =============================================================================
// Catch-All
// =============================================================================

// correctionReply is the wire shape of a catch-all repair.
type correctionReply struct {
	Target      string         `json:"target"`
	Arguments   map[string]any `json:"arguments"`
	FinalAnswer string         `json:"final_answer"`
}

// catchAllStrategy matches every error. A structured-output rejection
// from the reporting tool is redirected to deterministic text
// sanitization; everything else goes to the model with the full error
// for a corrected action or a final textual answer.
func catchAllStrategy() Strategy {
	return Strategy{
		Name:    "catch_all",
		Matches: func(string) bool { return true },
		Propose: func(ctx context.Context, e *Executor, r *phaseRun, f *failure) *agent.CorrectionAttempt {
			if e.targetClass(f.action.Target.Name) == tools.ClassReport &&
				matchesAny(structuredOutputPatterns, f.errText) {
				if args, changed := sanitizeStringArgs(f.action.Arguments); changed {
					return &agent.CorrectionAttempt{
						Strategy:       "report_sanitization",
						ProposedAction: &agent.TraceAction{Target: f.action.Target, Arguments: args},
					}
				}
			}

			r.addAttempt()
			comp, err := e.llm.Complete(ctx, correctionSystem(e), correctionUser(r, f), llm.FormatJSON)
			if err != nil {
				slog.Warn("Catch-all correction call failed",
					slog.Int("phase", r.ph.Index),
					slog.String("error", err.Error()),
				)
				return nil
			}
			r.addTokens(comp.InputTokens, comp.OutputTokens)
			raw, err := llm.ExtractJSON(comp.Text)
			if err != nil {
				return nil
			}
			var reply correctionReply
			if err := json.Unmarshal([]byte(raw), &reply); err != nil {
				return nil
			}
			if answer := strings.TrimSpace(reply.FinalAnswer); answer != "" {
				return &agent.CorrectionAttempt{ProposedFinalAnswer: answer}
			}
			if reply.Arguments == nil {
				return nil
			}
			target := f.action.Target
			if name := bareTargetName(reply.Target); name != "" && name != target.Name {
				switch {
				case e.env.Catalog.HasTool(name):
					target = agent.Target{Kind: agent.TargetTool, Name: name}
				case e.env.Catalog.HasPrompt(name):
					target = agent.Target{Kind: agent.TargetPrompt, Name: name}
				}
			}
			return &agent.CorrectionAttempt{
				ProposedAction: &agent.TraceAction{
					Target:    target,
					Arguments: e.canonicalArgs(reply.Arguments),
				},
			}
		},
	}
}

func correctionSystem(e *Executor) string {
	var b strings.Builder
	b.WriteString("You repair failed tool calls for a metrics analysis agent. ")
	b.WriteString("Analyze the error and either fix the call or answer the user directly.\n")
	b.WriteString("Respond with JSON: {\"target\": \"<name>\", \"arguments\": {...}} to retry, ")
	b.WriteString("or {\"final_answer\": \"...\"} when the goal is already answerable or no call can succeed.\n\n")
	b.WriteString(e.env.Catalog.Summary())
	return b.String()
}

func correctionUser(r *phaseRun, f *failure) string {
	var b strings.Builder
	b.WriteString("Phase goal: " + r.ph.Goal + "\n")
	b.WriteString("Failed call: " + clipJSON(f.action, stateViewClip) + "\n")
	b.WriteString("Error: " + f.errText + "\n")
	if view := stateView(r.state); view != "" {
		b.WriteString("Results so far:\n")
		b.WriteString(view)
	}
	b.WriteString("Return only the JSON object.")
	return b.String()
}

// targetClass resolves a target's capability tag from the catalog.
func (e *Executor) targetClass(name string) string {
	if t, ok := e.env.Catalog.Tool(name); ok {
		return t.Class
	}
	if p, ok := e.env.Catalog.Prompt(name); ok {
		return p.Class
	}
	return ""
}

// canonicalArgs maps near-miss argument names onto their canonical forms.
func (e *Executor) canonicalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for name, v := range args {
		if canonical, ok := e.env.Config.CanonicalArg(name); ok {
			name = canonical
		}
		out[name] = v
	}
	return out
}

// =============================================================================
// Name Matching
// =============================================================================

// missingName extracts the identifier an error is complaining about:
// a quoted token, a trailing name after exist/found, or an argument
// value repeated verbatim in the message.
func missingName(errText string, args map[string]any) string {
	if m := quotedNamePattern.FindStringSubmatch(errText); len(m) == 2 {
		return m[1]
	}
	if m := trailingNamePattern.FindStringSubmatch(errText); len(m) == 2 {
		return m[1]
	}
	for _, v := range args {
		if s, ok := v.(string); ok && s != "" && strings.Contains(errText, s) {
			return s
		}
	}
	return ""
}

// closestName picks the listed name nearest the hallucinated one. Exact
// (case-insensitive) beats prefix beats substring beats a short edit
// distance; anything weaker is rejected so the correction never
// substitutes an unrelated object.
func closestName(missing string, names []string) (string, bool) {
	if missing == "" || len(names) == 0 {
		return "", false
	}
	m := strings.ToLower(missing)
	best, bestScore := "", 0
	for _, n := range names {
		c := strings.ToLower(n)
		var score int
		switch {
		case c == m:
			score = 100
		case strings.HasPrefix(c, m) || strings.HasPrefix(m, c):
			score = 80
		case strings.Contains(c, m) || strings.Contains(m, c):
			score = 60
		default:
			if d := editDistance(c, m); d <= 2 && d*2 < len(m) {
				score = 70 - d
			}
		}
		if score > bestScore {
			best, bestScore = n, score
		}
	}
	if bestScore < 60 {
		return "", false
	}
	return best, true
}

// editDistance is the Levenshtein distance between two short names.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// nameStrings flattens an enumeration or describe payload into names:
// bare strings, or the "name" key of row maps.
func nameStrings(payload any) []string {
	items, ok := resolve.Sequence(payload)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		switch tv := it.(type) {
		case string:
			out = append(out, tv)
		case map[string]any:
			if s, ok := tv["name"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// replaceArgValue swaps every argument whose value equals the missing
// name (string or list element) for the replacement.
func replaceArgValue(args map[string]any, missing, replacement string) (map[string]any, bool) {
	if missing == "" {
		return args, false
	}
	out := make(map[string]any, len(args))
	replaced := false
	for k, v := range args {
		switch tv := v.(type) {
		case string:
			if strings.EqualFold(tv, missing) {
				out[k] = replacement
				replaced = true
				continue
			}
		case []any:
			items := make([]any, len(tv))
			hit := false
			for i, item := range tv {
				if s, ok := item.(string); ok && strings.EqualFold(s, missing) {
					items[i] = replacement
					hit = true
					continue
				}
				items[i] = item
			}
			if hit {
				out[k] = items
				replaced = true
				continue
			}
		}
		out[k] = v
	}
	return out, replaced
}

// setObjectArg overwrites the conventional object argument when the
// error text did not reveal which value was wrong.
func setObjectArg(args map[string]any, value string) (map[string]any, bool) {
	for _, name := range objectArgNames {
		if _, ok := args[name]; ok {
			out := make(map[string]any, len(args))
			for k, v := range args {
				out[k] = v
			}
			out[name] = value
			return out, true
		}
	}
	return args, false
}

// objectArgValue finds the argument naming the object under discussion.
func objectArgValue(args map[string]any) (string, string, bool) {
	for _, name := range objectArgNames {
		if v, ok := args[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return name, s, true
			}
		}
	}
	return "", "", false
}

// sanitizeStringArgs strips code fences and control characters from
// every string argument, reporting whether anything changed.
func sanitizeStringArgs(args map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(args))
	changed := false
	for k, v := range args {
		if s, ok := v.(string); ok {
			clean := sanitizeText(s)
			if clean != s {
				changed = true
			}
			out[k] = clean
			continue
		}
		out[k] = v
	}
	return out, changed
}

// sanitizeText reduces model output to plain text a structured reporting
// tool will accept: fences removed, control characters dropped, edges
// trimmed.
func sanitizeText(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

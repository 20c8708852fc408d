// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_catalog_docs renders a markdown reference for the invocation
// catalog from services/tools/catalog.yaml.
//
// Usage:
//
//	go run scripts/generate_catalog_docs.go > docs/catalog_reference.md
//
// The generated documentation includes:
//   - Full tool and prompt inventory grouped by capability class
//   - Argument schemas with required markers and date-shaped arguments
//   - An argument index showing which targets accept each argument
//   - Summary statistics
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/tools"
)

// classOrder fixes the section order: tool classes first, prompt classes
// after, matching how the planner prompt lists them.
var classOrder = []string{
	tools.ClassQuery,
	tools.ClassClock,
	tools.ClassEnumerate,
	tools.ClassDescribe,
	tools.ClassReport,
	tools.ClassLLMApply,
	tools.ClassSynthesis,
	tools.ClassContextReport,
}

// classNotes explains what the engine keys on each class for.
var classNotes = map[string]string{
	tools.ClassQuery:         "Query-execution tools. Eligible for query consolidation, and the column-iteration orchestrator expands per-column members over enumerated columns.",
	tools.ClassClock:         "The current-date anchor. A phase invoking this class is injected ahead of any relative date math.",
	tools.ClassEnumerate:     "Lists available objects. Paired with a describe target during plan hydration.",
	tools.ClassDescribe:      "Describes one object's schema. Feeds the argument resolver's column validation.",
	tools.ClassReport:        "The terminal reporting target. Appended when a plan arrives without one.",
	tools.ClassLLMApply:      "The generic apply-LLM-to-each-item prompt used by list expansion.",
	tools.ClassSynthesis:     "Per-item distillation and final summary prompts.",
	tools.ClassContextReport: "The context-only answer prompt used for conversational turns.",
}

// target is a class-section row covering both kinds.
type target struct {
	Name        string
	Kind        string // "tool" or "prompt"
	Description string
	Args        []tools.ArgSpec
	PerColumn   bool
	Template    string
}

func main() {
	data, err := os.ReadFile("services/tools/catalog.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading catalog.yaml: %v\n", err)
		os.Exit(1)
	}

	cat, err := tools.ParseCatalog(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing catalog: %v\n", err)
		os.Exit(1)
	}

	generateMarkdown(cat)
}

// generateMarkdown outputs the full markdown documentation.
func generateMarkdown(cat *tools.Catalog) {
	fmt.Println("# Catalog Reference")
	fmt.Println()
	fmt.Println("## Overview")
	fmt.Println()
	fmt.Println("This document is a reference for every target the engine can invoke.")
	fmt.Println("The catalog is defined in `services/tools/catalog.yaml` (or the file named")
	fmt.Println("by `KODIAK_CATALOG_PATH`) and snapshotted at planner invocation.")
	fmt.Println()
	fmt.Printf("**Generated:** %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Println()

	grouped, all := groupByClass(cat)

	// Statistics
	totalTools := len(cat.ToolNames())
	totalPrompts := len(cat.PromptNames())
	dateArgs := 0
	perColumn := 0
	requiredArgs := 0
	for _, t := range all {
		if t.PerColumn {
			perColumn++
		}
		for _, a := range t.Args {
			if a.IsDate() {
				dateArgs++
			}
			if a.Required {
				requiredArgs++
			}
		}
	}

	fmt.Println("## Summary Statistics")
	fmt.Println()
	fmt.Println("| Metric | Count |")
	fmt.Println("|--------|-------|")
	fmt.Printf("| Tools | %d |\n", totalTools)
	fmt.Printf("| Prompts | %d |\n", totalPrompts)
	fmt.Printf("| Capability Classes | %d |\n", len(grouped))
	fmt.Printf("| Required Arguments | %d |\n", requiredArgs)
	fmt.Printf("| Date-Shaped Arguments | %d |\n", dateArgs)
	fmt.Printf("| Per-Column Tools | %d |\n", perColumn)
	fmt.Println()

	// Table of contents
	fmt.Println("## Table of Contents")
	fmt.Println()
	i := 0
	for _, class := range classOrder {
		if len(grouped[class]) == 0 {
			continue
		}
		i++
		fmt.Printf("%d. [Class: %s](#class-%s)\n", i, class, class)
	}
	fmt.Println()

	// Quick reference table (all targets)
	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Quick Reference")
	fmt.Println()
	fmt.Println("| Target | Kind | Class | Arguments | Per-Column |")
	fmt.Println("|--------|------|-------|-----------|------------|")
	for _, class := range classOrder {
		for _, t := range grouped[class] {
			perCol := "No"
			if t.PerColumn {
				perCol = "Yes"
			}
			fmt.Printf("| `%s` | %s | %s | %s | %s |\n",
				t.Name, t.Kind, class, argSummary(t.Args), perCol)
		}
	}
	fmt.Println()

	// Detailed sections per class
	fmt.Println("---")
	fmt.Println()
	for _, class := range classOrder {
		targets := grouped[class]
		if len(targets) == 0 {
			continue
		}
		fmt.Printf("## Class: %s\n", class)
		fmt.Println()
		fmt.Println(classNotes[class])
		fmt.Println()
		for _, t := range targets {
			printTargetDetails(t)
		}
	}

	// Argument index
	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Argument Index")
	fmt.Println()
	fmt.Println("This index maps argument names to the targets that accept them. Arguments")
	fmt.Println("sharing a name across targets are resolved the same way by the argument")
	fmt.Println("resolver, so drift here usually means a catalog mistake.")
	fmt.Println()

	argIndex := buildArgIndex(all)
	names := make([]string, 0, len(argIndex))
	for n := range argIndex {
		names = append(names, n)
	}
	sort.Strings(names)

	fmt.Println("| Argument | Accepted By |")
	fmt.Println("|----------|-------------|")
	for _, n := range names {
		fmt.Printf("| `%s` | %s |\n", n, strings.Join(argIndex[n], ", "))
	}
	fmt.Println()

	// Footer
	fmt.Println("---")
	fmt.Println()
	fmt.Println("*This document is auto-generated from `services/tools/catalog.yaml`.*")
	fmt.Println()
	fmt.Println("*To regenerate: `go run scripts/generate_catalog_docs.go > docs/catalog_reference.md`*")
}

// groupByClass buckets every target under its capability class, sorted by
// name within each bucket.
func groupByClass(cat *tools.Catalog) (map[string][]target, []target) {
	grouped := make(map[string][]target)
	var all []target

	for _, name := range cat.ToolNames() {
		spec, _ := cat.Tool(name)
		t := target{
			Name:        spec.Name,
			Kind:        "tool",
			Description: spec.Description,
			Args:        spec.Args,
			PerColumn:   spec.PerColumn,
		}
		grouped[spec.Class] = append(grouped[spec.Class], t)
		all = append(all, t)
	}
	for _, name := range cat.PromptNames() {
		spec, _ := cat.Prompt(name)
		t := target{
			Name:        spec.Name,
			Kind:        "prompt",
			Description: spec.Description,
			Args:        spec.Args,
			Template:    spec.Template,
		}
		grouped[spec.Class] = append(grouped[spec.Class], t)
		all = append(all, t)
	}
	return grouped, all
}

// printTargetDetails prints the detailed entry for a single target.
func printTargetDetails(t target) {
	fmt.Printf("### `%s`\n", t.Name)
	fmt.Println()
	fmt.Println(t.Description)
	fmt.Println()

	if len(t.Args) > 0 {
		fmt.Println("| Argument | Type | Required | Description |")
		fmt.Println("|----------|------|----------|-------------|")
		for _, a := range t.Args {
			required := "No"
			if a.Required {
				required = "Yes"
			}
			fmt.Printf("| `%s` | %s | %s | %s |\n", a.Name, a.Type, required, a.Description)
		}
		fmt.Println()
	}

	if t.PerColumn {
		fmt.Println("**Per-column:** iterated over enumerated columns by the column-iteration orchestrator.")
		fmt.Println()
	}

	if t.Template != "" {
		fmt.Println("**Template:**")
		fmt.Println()
		fmt.Println("```")
		fmt.Println(strings.TrimRight(t.Template, "\n"))
		fmt.Println("```")
		fmt.Println()
	}
}

// argSummary renders the compact argument list used in the quick reference,
// marking required arguments with an asterisk.
func argSummary(args []tools.ArgSpec) string {
	if len(args) == 0 {
		return "—"
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		name := a.Name
		if a.Required {
			name += "*"
		}
		parts = append(parts, fmt.Sprintf("`%s:%s`", name, a.Type))
	}
	return strings.Join(parts, ", ")
}

// buildArgIndex creates a map of argument name -> target names.
func buildArgIndex(all []target) map[string][]string {
	index := make(map[string][]string)
	for _, t := range all {
		for _, a := range t.Args {
			index[a.Name] = append(index[a.Name], "`"+t.Name+"`")
		}
	}
	return index
}

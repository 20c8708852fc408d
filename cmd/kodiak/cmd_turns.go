// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/pkg/ux"
	"github.com/AleutianAI/kodiak/services/agent"
	"github.com/AleutianAI/kodiak/services/storage"
)

// runTurnsListCommand prints a session's turn history, newest first.
func runTurnsListCommand(cmd *cobra.Command, args []string) {
	logger := newLogger("cli", false, true)
	defer logger.Close()

	ctx := context.Background()
	store, err := openTurnStore(ctx, turnsDataDir, "")
	if err != nil {
		log.Fatalf("Failed to open turn store: %v", err)
	}
	defer store.Close()

	turns, err := store.SessionTurns(ctx, turnsSession, turnsLimit)
	if err != nil {
		log.Fatalf("Failed to list session %q: %v", turnsSession, err)
	}
	if len(turns) == 0 {
		ux.Muted(fmt.Sprintf("session %q has no persisted turns", turnsSession))
		return
	}

	ux.Title(fmt.Sprintf("session %s", turnsSession))
	for _, t := range turns {
		icon := ux.IconSuccess
		switch t.Status {
		case agent.TurnFailed:
			icon = ux.IconError
		case agent.TurnCancelled:
			icon = ux.IconWarning
		}
		fmt.Printf("%s %s  %s  %s  %s\n",
			icon.Render(),
			t.TurnID,
			t.EndedAt.Format(time.RFC3339),
			ux.Styles.Muted.Render(fmt.Sprintf("%d phases", t.Phases)),
			truncateGoal(t.Goal, 60),
		)
	}
}

// runTurnsShowCommand prints one persisted turn.
func runTurnsShowCommand(cmd *cobra.Command, args []string) {
	logger := newLogger("cli", false, true)
	defer logger.Close()

	ctx := context.Background()
	store, err := openTurnStore(ctx, turnsDataDir, "")
	if err != nil {
		log.Fatalf("Failed to open turn store: %v", err)
	}
	defer store.Close()

	turnID := args[0]
	rec, err := store.GetTurn(ctx, turnID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Fatalf("Turn %q is not in the store", turnID)
	}
	if err != nil {
		log.Fatalf("Failed to read turn %q: %v", turnID, err)
	}

	ux.Title(rec.Goal)
	ux.KeyValue("turn", rec.TurnID)
	ux.KeyValue("session", rec.SessionID)
	ux.KeyValue("status", string(rec.Status))
	ux.KeyValue("tokens", fmt.Sprintf("%d in / %d out", rec.Tokens.Input, rec.Tokens.Output))
	ux.KeyValue("started", rec.StartedAt.Format(time.RFC3339))
	ux.KeyValue("ended", rec.EndedAt.Format(time.RFC3339))
	if rec.Rewritten != nil {
		ux.KeyValue("phases", fmt.Sprintf("%d planned, %d completed", rec.Rewritten.Len(), len(rec.Results)))
	}
	if rec.Error != nil {
		ux.Error(rec.Error.Error())
	}
	if rec.Answer != "" {
		ux.Answer(rec.Answer)
	}

	if turnsTrace {
		ux.Title("trace")
		for _, entry := range rec.Trace {
			icon := ux.IconSuccess
			detail := ""
			if entry.Result.Status != agent.TraceSuccess {
				icon = ux.IconError
				detail = " " + entry.Result.ErrorText
			}
			fmt.Printf("%s phase %d %s%s\n",
				icon.Render(), entry.PhaseIndex, entry.Action.Target.Name, detail)
		}
	}
}

// truncateGoal shortens a goal for one-line listings.
func truncateGoal(goal string, max int) string {
	if len(goal) <= max {
		return goal
	}
	return goal[:max-3] + "..."
}

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/collabcore/services/collab/bridge"
	"github.com/AleutianAI/collabcore/services/collab/monitor"
	"github.com/AleutianAI/collabcore/services/collab/runtime"
	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/AleutianAI/collabcore/services/collab/transport"
)

const simulatedURI = "file:///simulated.txt"

var (
	simReplicas int
	simEdits    int
	simSeed     uint64
	simText     string
	simTimeout  time.Duration

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run concurrent editors in-process and check that they converge",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}
)

func init() {
	simulateCmd.Flags().IntVar(&simReplicas, "replicas", 3, "number of replicas")
	simulateCmd.Flags().IntVar(&simEdits, "edits", 100, "local edits per replica")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "random seed")
	simulateCmd.Flags().StringVar(&simText, "text", "Hello World", "initial document text")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 10*time.Second, "time allowed to converge")
}

// SimulationParams describes one simulation run.
type SimulationParams struct {
	Replicas int
	Edits    int
	Seed     uint64
	Text     string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// ReplicaReport is the final state of one replica.
type ReplicaReport struct {
	ClientID string                    `json:"client_id"`
	Applied  int                       `json:"applied_edits"`
	Skipped  int                       `json:"skipped_edits"`
	Purged   int                       `json:"purged_operations"`
	Health   bridge.BridgeHealthStatus `json:"health"`
	Metrics  monitor.Metrics           `json:"metrics"`
}

// SimulationReport is printed by the simulate command.
type SimulationReport struct {
	Converged bool            `json:"converged"`
	Content   string          `json:"content"`
	Elapsed   string          `json:"elapsed"`
	Replicas  []ReplicaReport `json:"replicas"`
}

// ErrDiverged is returned when the replicas did not converge in time.
var ErrDiverged = errors.New("replicas did not converge")

func runSimulate(cmd *cobra.Command, _ []string) error {
	report, err := simulate(cmd.Context(), SimulationParams{
		Replicas: simReplicas,
		Edits:    simEdits,
		Seed:     simSeed,
		Text:     simText,
		Timeout:  simTimeout,
		Logger:   slog.Default(),
	})
	if report != nil {
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
	}
	return err
}

// simulate joins p.Replicas runtimes to one session over a MemoryHub,
// lets each make p.Edits random local edits concurrently, waits for every
// replica to hold the same text, and compacts the logs once all replicas
// have acknowledged each other.
func simulate(ctx context.Context, p SimulationParams) (*SimulationReport, error) {
	if p.Replicas < 2 {
		return nil, fmt.Errorf("need at least 2 replicas, got %d", p.Replicas)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hub := transport.NewMemoryHub(0, p.Logger)
	defer hub.Close()
	sessions := session.NewManager(p.Logger)
	sessionID := session.NewSessionID()

	replicas := make([]*runtime.Runtime, p.Replicas)
	for i := range replicas {
		rt, err := runtime.New(runtime.Options{
			UserID:    fmt.Sprintf("user-%d", i),
			ClientID:  fmt.Sprintf("replica-%d", i),
			Config:    cfg,
			Transport: hub,
			Sessions:  sessions,
			Logger:    p.Logger,
		})
		if err != nil {
			return nil, err
		}
		defer rt.Close()
		if err := rt.JoinSession(ctx, sessionID, simulatedURI, 1, p.Text); err != nil {
			return nil, err
		}
		replicas[i] = rt
	}

	reports := make([]ReplicaReport, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, rt := range replicas {
		rng := rand.New(rand.NewPCG(p.Seed, uint64(i)))
		g.Go(func() error {
			reports[i].ClientID = rt.ClientID()
			for range p.Edits {
				if err := gctx.Err(); err != nil {
					return err
				}
				pos, del, text := randomEdit(rng, currentText(rt))
				if _, err := rt.Bridge().ApplyLocalEdit(gctx, simulatedURI, pos, del, text); err != nil {
					// A concurrent remote delete can shrink the text between
					// reading it and editing it.
					reports[i].Skipped++
					continue
				}
				reports[i].Applied++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &SimulationReport{Converged: waitConverged(ctx, replicas, p.Timeout)}
	report.Content = currentText(replicas[0])

	if report.Converged {
		if err := compact(replicas, reports); err != nil {
			return nil, err
		}
	}
	for i, rt := range replicas {
		reports[i].Health = rt.Bridge().Health()
		reports[i].Metrics, _ = rt.Monitor().GetMetrics(sessionID)
	}
	report.Replicas = reports
	report.Elapsed = time.Since(start).String()

	if !report.Converged {
		return report, ErrDiverged
	}
	return report, nil
}

func currentText(rt *runtime.Runtime) string {
	info, ok := rt.Bridge().Document(simulatedURI)
	if !ok {
		return ""
	}
	return info.CRDTContent
}

// randomEdit picks an insert, delete or replace that fits text.
func randomEdit(rng *rand.Rand, text string) (pos, del int, ins string) {
	n := utf8.RuneCountInString(text)
	pos = rng.IntN(n + 1)
	switch op := rng.IntN(3); {
	case op == 0 || n == pos:
		return pos, 0, randomWord(rng)
	case op == 1:
		return pos, 1 + rng.IntN(min(3, n-pos)), ""
	default:
		return pos, 1, randomWord(rng)
	}
}

func randomWord(rng *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyz "
	b := make([]byte, 1+rng.IntN(4))
	for i := range b {
		b[i] = letters[rng.IntN(len(letters))]
	}
	return string(b)
}

func waitConverged(ctx context.Context, replicas []*runtime.Runtime, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if converged(replicas) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func converged(replicas []*runtime.Runtime) bool {
	want := currentText(replicas[0])
	for _, rt := range replicas[1:] {
		if currentText(rt) != want {
			return false
		}
	}
	return true
}

// compact exchanges version vectors between the converged replicas and
// purges what all of them have seen.
func compact(replicas []*runtime.Runtime, reports []ReplicaReport) error {
	ids := make([]string, len(replicas))
	for i, rt := range replicas {
		ids[i] = rt.ClientID()
	}
	for _, rt := range replicas {
		for _, peer := range replicas {
			if peer == rt {
				continue
			}
			if info, ok := peer.Bridge().Document(simulatedURI); ok {
				if err := rt.Bridge().Acknowledge(simulatedURI, peer.ClientID(), info.Version); err != nil {
					return fmt.Errorf("acknowledge %s on %s: %w", peer.ClientID(), rt.ClientID(), err)
				}
			}
		}
	}
	for i, rt := range replicas {
		n, err := rt.Bridge().CollectGarbage(simulatedURI, ids)
		if err != nil {
			return fmt.Errorf("compact %s: %w", rt.ClientID(), err)
		}
		reports[i].Purged = n
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

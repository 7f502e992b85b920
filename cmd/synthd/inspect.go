package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/persist"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

func (a *App) newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline state from the state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			doc, err := persist.NewFileStore(cfg.StatePath).Load()
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(a.stdout, "no state file at %s; pipeline not started\n", cfg.StatePath)
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				data, err := persist.NewCodec().Marshal(doc.Snapshot)
				if err != nil {
					return err
				}
				_, err = a.stdout.Write(append(data, '\n'))
				return err
			}
			printStatus(a.stdout, doc, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the state document")
	return cmd
}

func printStatus(w io.Writer, doc persist.Document, now time.Time) {
	snap := doc.Snapshot
	fmt.Fprintf(w, "phase:     %s\n", snap.State.Phase)
	fmt.Fprintf(w, "substate:  %s\n", snap.State.Substate.Kind)
	if f := snap.State.Substate.Failed; f != nil {
		fmt.Fprintf(w, "  error:   %s (code=%s, recoverable=%t)\n", f.Error, f.Code, f.Recoverable)
	}
	fmt.Fprintf(w, "artifacts: %s\n", joinArtifacts(snap.Artifacts))
	fmt.Fprintf(w, "persisted: %s (version %s)\n", doc.PersistedAt.Format(time.RFC3339), doc.Version)

	open := 0
	for _, rec := range snap.BlockingQueries {
		if rec.Resolved {
			continue
		}
		open++
		line := fmt.Sprintf("  %s [%s] %s", rec.ID, rec.Phase, rec.Query)
		if deadline, ok := rec.Deadline(); ok {
			if now.After(deadline) {
				line += " (overdue)"
			} else {
				line += " (due " + deadline.Format(time.RFC3339) + ")"
			}
		}
		fmt.Fprintln(w, line)
		if len(rec.Options) > 0 {
			fmt.Fprintf(w, "    options: %s\n", strings.Join(rec.Options, ", "))
		}
	}
	fmt.Fprintf(w, "blocking:  %d open, %d total\n", open, len(snap.BlockingQueries))
}

func joinArtifacts(as []domain.ArtifactType) string {
	if len(as) == 0 {
		return "(none)"
	}
	names := make([]string, len(as))
	for i, a := range as {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func (a *App) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [state-file...]",
		Short: "Validate the configuration and state files",
		Long: `Validate state files against the state schema and version.

With no arguments the configuration is loaded and its state_path is checked.
A missing state file is not an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, "config ok")
				paths = []string{cfg.StatePath}
			}

			failed := 0
			for _, path := range paths {
				store := persist.NewFileStore(path)
				if len(args) == 0 && !store.Exists() {
					fmt.Fprintf(a.stdout, "%s: not present\n", path)
					continue
				}
				doc, err := store.Load()
				if err != nil {
					failed++
					fmt.Fprintf(a.stdout, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(a.stdout, "%s: ok (version %s, phase %s, substate %s)\n",
					path, doc.Version, doc.Snapshot.State.Phase, doc.Snapshot.State.Substate.Kind)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d state files invalid", failed, len(paths))
			}
			return nil
		},
	}
}

func (a *App) newRouteCmd() *cobra.Command {
	var signals router.RoutingSignals

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the routing decision for a set of signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configOrDefault()
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, router.NewRouter(cfg.Thresholds()).Route(signals))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&signals.TaskType, "task", router.TaskImplement, "task type")
	flags.IntVar(&signals.EstimatedInputTokens, "input-tokens", 0, "estimated input tokens")
	flags.IntVar(&signals.EstimatedOutputTokens, "output-tokens", 0, "estimated output tokens")
	flags.Float64Var(&signals.SignatureComplexity, "complexity", 0, "signature complexity score")
	flags.IntVar(&signals.PriorEscalations, "prior-escalations", 0, "escalations already taken by this unit")
	flags.Float64Var(&signals.ModuleEscalationRate, "escalation-rate", 0, "historic escalation rate of the module")
	return cmd
}

type budgetOutput struct {
	Plan  router.Plan `json:"plan"`
	Error string      `json:"error,omitempty"`
}

func (a *App) newBudgetCmd() *cobra.Command {
	var (
		signals router.RoutingSignals
		file    string
	)

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Plan a prompt against the context windows without sending it",
		Long: `Route a prompt and fit it to its tier's context window, printing the plan
and the trail of overflow strategies. A .json file is read as a structured
prompt (systemPrompt, signature, contracts, requiredTypes, relatedTypes,
examples, comments, userPrompt); anything else is plain text. With no --file
the prompt is read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.configOrDefault()
			if err != nil {
				return err
			}
			req, err := readRequest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if signals.EstimatedInputTokens == 0 {
				signals.EstimatedInputTokens = router.EstimateTokens(req.Render())
			}

			planner := router.NewPlanner(
				router.NewRouter(cfg.Thresholds()),
				router.NewBudgetAnalyzer(cfg.CapabilityTable(), cfg.ModelIDs(), cfg.Truncation()),
			)
			plan, err := planner.Plan(signals, req)
			out := budgetOutput{Plan: plan}
			if err != nil {
				var overflow *router.OverflowError
				if !errors.As(err, &overflow) {
					return err
				}
				out.Error = err.Error()
			}
			return writeJSON(a.stdout, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "prompt file (.json for a structured prompt)")
	flags.StringVar(&signals.TaskType, "task", router.TaskImplement, "task type")
	flags.Float64Var(&signals.SignatureComplexity, "complexity", 0, "signature complexity score")
	flags.IntVar(&signals.EstimatedInputTokens, "input-tokens", 0, "estimated input tokens (default: estimated from the prompt)")
	return cmd
}

func readRequest(path string, stdin io.Reader) (router.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return router.Request{}, fmt.Errorf("read prompt: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var p router.StructuredPrompt
		if err := json.Unmarshal(data, &p); err != nil {
			return router.Request{}, fmt.Errorf("parse structured prompt: %w", err)
		}
		return router.Request{Prompt: &p}, nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return router.Request{}, errors.New("prompt is empty")
	}
	return router.Request{Text: string(data)}, nil
}

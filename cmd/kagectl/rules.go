package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kage/internal/jobs"
	"github.com/ashita-ai/kage/internal/model"
)

func newPublishCmd(g *globals) *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish a rule version from a YAML or JSON file",
		Long: `Publish an immutable rule version. The server compiles the definition
and rejects it with the offending path if it does not compile.

Examples:
  kagectl publish rules/lead_score-1.2.0.yaml
  kagectl publish --activate rules/lead_score-1.2.0.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRuleFile(args[0])
			if err != nil {
				return err
			}
			if activate {
				req.Activate = true
			}
			var doc model.RuleDocument
			if err := g.client().do(cmd.Context(), "POST", "/v1/rules", req, &doc); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the version once published")
	return cmd
}

func newActivateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "activate TOOL VERSION",
		Short: "Make VERSION the active rule version of TOOL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			path := fmt.Sprintf("/v1/rules/%s/%s/activate", url.PathEscape(args[0]), url.PathEscape(args[1]))
			if err := g.client().do(cmd.Context(), "POST", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newVersionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "versions TOOL",
		Short: "List every published version of TOOL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var docs []model.RuleDocument
			if err := g.client().do(cmd.Context(), "GET", "/v1/rules/"+url.PathEscape(args[0]), nil, &docs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range docs {
				marker := " "
				if d.Active {
					marker = "*"
				}
				_, _ = fmt.Fprintf(w, "%s %-12s %-14s %s\n", marker, d.Version, d.RuleType, d.Description)
			}
			return nil
		},
	}
}

func newExplainCmd(g *globals) *cobra.Command {
	var input, inputFile string
	cmd := &cobra.Command{
		Use:   "explain TOOL VERSION",
		Short: "Evaluate a rule version against an input and show each step",
		Long: `Evaluate one rule version without recording a decision.

Examples:
  kagectl explain lead_score 1.2.0 --input '{"base": 80, "bonus": 20}'
  kagectl explain lead_score 1.2.0 --input-file lead.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(input)
			if inputFile != "" {
				var err error
				raw, err = os.ReadFile(inputFile) //nolint:gosec // operator-supplied path
				if err != nil {
					return fmt.Errorf("read input file: %w", err)
				}
			}
			var req model.ExplainRequest
			if err := json.Unmarshal(raw, &req.Input); err != nil {
				return fmt.Errorf("input must be a JSON object: %w", err)
			}
			var out model.ExplainResponse
			path := fmt.Sprintf("/v1/rules/%s/%s/explain", url.PathEscape(args[0]), url.PathEscape(args[1]))
			if err := g.client().do(cmd.Context(), "POST", path, req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&input, "input", "{}", "input object as JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read the input object from a file")
	return cmd
}

func newExperimentCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Start or end an A/B experiment between two rule versions",
	}

	var req model.ExperimentRequest
	set := &cobra.Command{
		Use:   "set TOOL",
		Short: "Route a share of TOOL's traffic to a test version",
		Long: `Route --split of TOOL's traffic to --test; the rest runs --control.
Assignment hashes the entity key, so an entity keeps its arm for a given split.

Example:
  kagectl experiment set lead_score --control 1.1.0 --test 1.2.0 --split 0.1 --entity-key-field account_id`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp model.Experiment
			if err := g.client().do(cmd.Context(), "PUT", "/v1/experiments/"+url.PathEscape(args[0]), req, &exp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exp)
		},
	}
	set.Flags().StringVar(&req.ControlVersion, "control", "", "control version")
	set.Flags().StringVar(&req.TestVersion, "test", "", "test version")
	set.Flags().Float64Var(&req.TrafficSplit, "split", 0.1, "share of traffic sent to the test version, 0..1")
	set.Flags().StringVar(&req.EntityKeyField, "entity-key-field", "", "input field used as the entity key when requests carry none")
	_ = set.MarkFlagRequired("control")
	_ = set.MarkFlagRequired("test")

	end := &cobra.Command{
		Use:   "end TOOL",
		Short: "End TOOL's experiment; traffic returns to the active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().do(cmd.Context(), "DELETE", "/v1/experiments/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "experiment for %s ended\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, end)
	return cmd
}

func newJobCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run batch jobs",
	}
	run := &cobra.Command{
		Use:       "run NAME",
		Short:     "Run a batch job now and wait for its summary",
		ValidArgs: []string{jobs.ConfidenceAdjustment, jobs.PerformanceCheck},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res json.RawMessage
			if err := g.client().do(cmd.Context(), "POST", "/v1/jobs/"+args[0], nil, &res); err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(res, &v); err != nil {
				return fmt.Errorf("decode job result: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.AddCommand(run)
	return cmd
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check kage server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var h model.HealthResponse
			if err := g.client().do(cmd.Context(), "GET", "/health", nil, &h); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

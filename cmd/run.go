package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/engine"
	"github.com/xkilldash9x/rpa-flow/internal/flow"
	"github.com/xkilldash9x/rpa-flow/internal/interpreter"
	"github.com/xkilldash9x/rpa-flow/internal/observability"
	"github.com/xkilldash9x/rpa-flow/internal/service"
)

// batchEntry is one identity in a --batch file.
type batchEntry struct {
	Identity string            `json:"identity"`
	Phone    string            `json:"phone"`
	Values   map[string]string `json:"values"`
}

type runOptions struct {
	flowPath string
	identity string
	target   string
	phone    string
	values   map[string]string
	engine   string
	headless bool
	timeout  time.Duration
	batch    string
}

func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a flow and prints its outcome as JSON",
		Long: `Runs the flow document given by --flow for one identity, or for every
identity in a --batch file, and prints each outcome as JSON. The command
fails when any run does not succeed.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.batch == "" && opts.identity == "" {
				return fmt.Errorf("either --identity or --batch is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if opts.engine != "" {
				cfg.SetBrowserEngine(opts.engine)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if opts.timeout > 0 {
				cfg.SetEngineDefaultFlowTimeout(opts.timeout)
			}

			f, err := flow.Load(opts.flowPath, flow.Defaults{StepTimeout: cfg.Flow().DefaultStepTimeout})
			if err != nil {
				return err
			}

			jobs, err := opts.jobs(f)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Running flow",
				zap.String("flow_type", f.Type),
				zap.String("target", opts.target),
				zap.Int("runs", len(jobs)))

			var outcomes []interpreter.Outcome
			if len(jobs) == 1 {
				outcomes = []interpreter.Outcome{runSingle(cmd, components.Pool, jobs[0])}
			} else {
				outcomes = components.Pool.RunAll(ctx, jobs)
			}

			return reportOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}

	runCmd.Flags().StringVarP(&opts.flowPath, "flow", "f", "", "Path to the flow JSON document")
	runCmd.Flags().StringVar(&opts.identity, "identity", "", "Identity the session belongs to")
	runCmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target site identifier")
	runCmd.Flags().StringVar(&opts.phone, "phone", "", "Phone number available to steps as {phone}")
	runCmd.Flags().StringToStringVar(&opts.values, "value", nil, "Extra credential values as key=value")
	runCmd.Flags().StringVar(&opts.engine, "engine", "", "Browser engine: chromedp or rod (overrides config)")
	runCmd.Flags().BoolVar(&opts.headless, "headless", true, "Run the browser headless")
	runCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall budget per run (default from config)")
	runCmd.Flags().StringVar(&opts.batch, "batch", "", "JSON file listing identities to run concurrently")
	_ = runCmd.MarkFlagRequired("flow")
	_ = runCmd.MarkFlagRequired("target")

	return runCmd
}

// jobs builds one job per identity.
func (o *runOptions) jobs(f *flow.Flow) ([]engine.Job, error) {
	entries := []batchEntry{{Identity: o.identity, Phone: o.phone, Values: o.values}}
	if o.batch != "" {
		data, err := os.ReadFile(o.batch)
		if err != nil {
			return nil, fmt.Errorf("failed to read batch file: %w", err)
		}
		entries = nil
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("failed to decode batch file: %w", err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("batch file %s lists no identities", o.batch)
		}
	}

	jobs := make([]engine.Job, 0, len(entries))
	for i, e := range entries {
		if e.Identity == "" {
			return nil, fmt.Errorf("batch entry %d has no identity", i)
		}
		values := make(flow.Values, len(e.Values)+1)
		for k, v := range e.Values {
			values[k] = v
		}
		if e.Phone != "" {
			values[flow.KeyPhone] = e.Phone
		}
		jobs = append(jobs, engine.Job{Run: interpreter.Run{
			Flow:     f,
			Identity: e.Identity,
			Target:   o.target,
			Values:   values,
		}})
	}
	return jobs, nil
}

// runSingle pushes one job through the worker pool.
func runSingle(cmd *cobra.Command, pool *engine.FlowPool, job engine.Job) interpreter.Outcome {
	jobs := make(chan engine.Job, 1)
	result := make(chan interpreter.Outcome, 1)
	job.Result = result

	pool.Start(cmd.Context(), jobs)
	jobs <- job
	close(jobs)
	pool.Stop()

	select {
	case out := <-result:
		return out
	default:
		// The pool exited on cancellation before picking the job up.
		out := interpreter.Failed(job.Run.ID, "", "run aborted before it started")
		out.Status = interpreter.StatusCancelled
		return out
	}
}

func reportOutcomes(w io.Writer, outcomes []interpreter.Outcome) error {
	failed := 0
	for _, out := range outcomes {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode outcome: %w", err)
		}
		fmt.Fprintln(w, string(data))
		if out.Status != interpreter.StatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not succeed", failed, len(outcomes))
	}
	return nil
}

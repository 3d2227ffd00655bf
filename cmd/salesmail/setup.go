package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/salesmail/internal/config"
	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/envfile"
	"github.com/kalambet/salesmail/internal/evaluation"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/links"
	"github.com/kalambet/salesmail/internal/prompt"
	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

const (
	fixBaselineEnv        = "FIX_QUALITY_BASELINE_RUN_ID"
	regressionBaselineEnv = "REGRESSION_BASELINE_RUN_ID"

	sampleFeedbackComment = "I LOVE this email!"
	sampleFeedbackRater   = "first.last@company.com"
)

// withApp loads configuration, builds the app and closes it after fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func warnIfLocal(cfg config.Config, what string) {
	if !cfg.Remote() {
		printWarning("DATABRICKS_HOST is not set: %s only lasts for this process", what)
	}
}

// --- prompts ---

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage the email prompt in the registry",
}

var promptsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the original (or --fixed) template as a new version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fixed, _ := cmd.Flags().GetBool("fixed")
		alias, _ := cmd.Flags().GetString("alias")
		message, _ := cmd.Flags().GetString("message")

		return withApp(cmd.Context(), func(a *app) error {
			warnIfLocal(a.cfg, "the registered prompt")
			template, defaultMsg := prompt.Original(), "Initial email generation prompt."
			if fixed {
				template, defaultMsg = prompt.Fixed(), "New email generation prompt to fix accuracy issues."
			}
			if message == "" {
				message = defaultMsg
			}

			name := a.cfg.PromptCoordinate().FullName()
			v, err := a.registry.Register(cmd.Context(), name, template, message)
			if err != nil {
				return fmt.Errorf("registering %s: %w", name, err)
			}
			printSuccess("Registered %s version %d", name, v)

			if alias != "" {
				if err := a.registry.SetAlias(cmd.Context(), name, alias, v); err != nil {
					return fmt.Errorf("setting alias %s: %w", alias, err)
				}
				printSuccess("Alias %s -> version %d", alias, v)
			}
			printLink("Prompt", a.experiment().Prompt(name))
			return nil
		})
	},
}

var promptsAliasCmd = &cobra.Command{
	Use:   "alias <alias> <version>",
	Short: "Point an alias at a registered version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		return withApp(cmd.Context(), func(a *app) error {
			warnIfLocal(a.cfg, "the alias")
			name := a.cfg.PromptCoordinate().FullName()
			if err := a.registry.SetAlias(cmd.Context(), name, args[0], v); err != nil {
				return err
			}
			printSuccess("Alias %s -> %s version %d", args[0], name, v)
			return nil
		})
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the template behind an alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, _ := cmd.Flags().GetString("alias")
		return withApp(cmd.Context(), func(a *app) error {
			coord := a.cfg.PromptCoordinate()
			if alias != "" {
				coord = coord.WithAlias(alias)
			}
			p, err := a.registry.Load(cmd.Context(), coord)
			if err != nil {
				return err
			}
			printStatus("Prompt", "%s", p.ModelName())
			fmt.Println(prompt.DisplayText(p.Template))
			return nil
		})
	},
}

var promptsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running server to re-resolve its prompt alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		if client.token == "" {
			return errors.New("SALESMAIL_API_TOKEN is not set; the admin routes are disabled without it")
		}
		resp, err := client.post(cmd.Context(), "/api/admin/prompt/reload", nil)
		if err != nil {
			return err
		}
		var res struct {
			Prompt  string `json:"prompt"`
			Version int    `json:"version"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Server now uses %s", res.Prompt)
		return nil
	},
}

func init() {
	promptsRegisterCmd.Flags().Bool("fixed", false, "register the fixed template instead of the original")
	promptsRegisterCmd.Flags().String("alias", "", "alias to point at the new version")
	promptsRegisterCmd.Flags().String("message", "", "commit message")
	promptsShowCmd.Flags().String("alias", "", "alias to resolve (default prompt.alias)")
	promptsCmd.AddCommand(promptsRegisterCmd, promptsAliasCmd, promptsShowCmd, promptsReloadCmd)
}

// --- samples ---

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "Generate sample traces",
}

var samplesLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Generate an email for each sample customer and tag the traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		workers, _ := cmd.Flags().GetInt("workers")
		maxRecords, _ := cmd.Flags().GetInt("max")

		return withApp(cmd.Context(), func(a *app) error {
			if file == "" {
				file = a.cfg.Data.Customers
			}
			records, err := customer.NewStore(file).List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no customer records in %s", file)
			}
			gen, err := a.generator(cmd.Context(), "", nil)
			if err != nil {
				return err
			}
			res, err := loadSamples(cmd.Context(), gen, a.tracker, records, workers, maxRecords)
			if err != nil {
				return err
			}
			printSuccess("Processed %d customers, %d errors", res.processed, res.failed)
			return saveSampleTrace(cmd.Context(), a.tracker, res.lastTraceID)
		})
	},
}

func init() {
	samplesLoadCmd.Flags().String("file", "", "customer JSONL file (default data.customers)")
	samplesLoadCmd.Flags().Int("workers", 5, "parallel generations")
	samplesLoadCmd.Flags().Int("max", 50, "maximum number of records to process")
	samplesCmd.AddCommand(samplesLoadCmd)
}

// sampleRunner is the part of the generator used to produce samples.
type sampleRunner interface {
	Run(ctx context.Context, req generator.Request) (generator.Sample, error)
}

type traceTagger interface {
	SetTag(ctx context.Context, traceID, key, value string) error
}

type sampleResult struct {
	processed   int
	failed      int
	lastTraceID string
}

// loadSamples generates one email per record with at most workers in
// flight. Failures are counted, not returned.
func loadSamples(ctx context.Context, gen sampleRunner, tags traceTagger, records []customer.Record, workers, maxRecords int) (sampleResult, error) {
	if maxRecords > 0 && len(records) > maxRecords {
		records = records[:maxRecords]
	}
	printStep("Processing %d customers with %d workers...", len(records), workers)

	var (
		mu        sync.Mutex
		res       sampleResult
		processed atomic.Int64
		failed    atomic.Int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(workers, 1))
	for i, rec := range records {
		eg.Go(func() error {
			var userInput string
			if v, ok := rec.Data.Get("user_input"); ok {
				userInput = v.String()
			}
			s, err := gen.Run(egCtx, generator.Request{CustomerName: rec.Name, UserInput: userInput})
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				printError("line %d (%s): %v", i+1, rec.Name, err)
				failed.Add(1)
				return nil
			}
			if err := tags.SetTag(egCtx, s.TraceID, tracking.TagSampleData, "yes"); err != nil {
				printWarning("tagging %s: %v", s.TraceID, err)
			}
			mu.Lock()
			res.lastTraceID = s.TraceID
			mu.Unlock()
			processed.Add(1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return sampleResult{}, err
	}
	res.processed, res.failed = int(processed.Load()), int(failed.Load())
	return res, nil
}

// saveSampleTrace attaches a sample human rating to the newest trace and
// stores its id for the UI. fallbackID is used when traces cannot be
// searched.
func saveSampleTrace(ctx context.Context, tr tracking.Tracker, fallbackID string) error {
	traceID := fallbackID
	traces, err := tr.SearchTraces(ctx, tracking.SearchQuery{MaxResults: 1})
	switch {
	case err == nil && len(traces) > 0:
		traceID = traces[0].ID
	case err != nil && !errors.Is(err, tracking.ErrUnsupported):
		return fmt.Errorf("finding newest trace: %w", err)
	}
	if traceID == "" {
		return errors.New("no trace to attach the sample feedback to")
	}

	res := tracking.SubmitFeedback(ctx, tr, tracking.Feedback{
		TraceID:  traceID,
		Positive: true,
		Comment:  sampleFeedbackComment,
		Rater:    sampleFeedbackRater,
	})
	if !res.Success {
		return errors.New(res.Message)
	}
	if err := envfile.Upsert(envfile.Path(), "SAMPLE_TRACE_ID", traceID); err != nil {
		return err
	}
	printSuccess("Updated SAMPLE_TRACE_ID in %s", envfile.Path())
	return nil
}

// --- datasets ---

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "Manage evaluation datasets",
}

var datasetsImportCmd = &cobra.Command{
	Use:   "import <name> <file>",
	Short: "Create or replace a dataset from a JSONL file of {customer_name, user_input}",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		rows, err := readDatasetRows(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[1], err)
		}
		return withApp(cmd.Context(), func(a *app) error {
			ds, err := a.store.SaveDataset(cmd.Context(), args[0], rows)
			if err != nil {
				return err
			}
			printSuccess("Dataset %s: %d rows", ds.Name, ds.Rows)
			return nil
		})
	},
}

var datasetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			sets, err := a.store.ListDatasets(cmd.Context())
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Println("No datasets found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROWS\tUPDATED")
			for _, d := range sets {
				fmt.Fprintf(w, "%s\t%d\t%s\n", d.Name, d.Rows, d.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

func init() {
	datasetsCmd.AddCommand(datasetsImportCmd, datasetsListCmd)
}

// readDatasetRows reads one {customer_name, user_input} object per line.
// Blank lines are skipped.
func readDatasetRows(r io.Reader) ([]storage.DatasetRow, error) {
	var rows []storage.DatasetRow
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row storage.DatasetRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if row.CustomerName == "" {
			return nil, fmt.Errorf("line %d: customer_name is required", line)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

// --- evaluate ---

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score emails with the quality judges",
}

var evaluateTracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Score the most recent successful traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxTraces, _ := cmd.Flags().GetInt("max")
		runName, _ := cmd.Flags().GetString("run-name")
		return withApp(cmd.Context(), func(a *app) error {
			rep, err := a.runner().EvaluateTraces(cmd.Context(), runName, maxTraces)
			if err != nil {
				return err
			}
			printReport(a, rep, "")
			return nil
		})
	},
}

var evaluateDatasetCmd = &cobra.Command{
	Use:   "dataset <name>",
	Short: "Generate and score an email for every dataset row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, _ := cmd.Flags().GetString("alias")
		runName, _ := cmd.Flags().GetString("run-name")
		baseline, _ := cmd.Flags().GetString("baseline")
		if runName == "" {
			runName = args[0]
		}
		return withApp(cmd.Context(), func(a *app) error {
			rep, err := evaluateWithAlias(cmd.Context(), a, args[0], alias, runName, baseline)
			if err != nil {
				return err
			}
			printReport(a, rep, baseline)
			return nil
		})
	},
}

var evaluateFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Register the fixed prompt under the development alias and compare it on both datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			name := a.cfg.PromptCoordinate().FullName()

			printStep("Registering new prompt...")
			v, err := a.registry.Register(ctx, name, prompt.Fixed(), "New email generation prompt to fix accuracy issues.")
			if err != nil {
				return fmt.Errorf("registering %s: %w", name, err)
			}
			if err := a.registry.SetAlias(ctx, name, prompt.DevelopmentAlias, v); err != nil {
				return err
			}

			runs := []struct {
				dataset, runName, baselineEnv, urlEnv string
			}{
				{evaluation.LowAccuracyDataset, "low_accuracy_new_prompt", fixBaselineEnv, "LOW_ACCURACY_RESULTS_URL"},
				{evaluation.RegressionDataset, "regression_new_prompt", regressionBaselineEnv, "REGRESSION_RESULTS_URL"},
			}
			for _, r := range runs {
				baseline := os.Getenv(r.baselineEnv)
				printStep("Evaluating %s...", r.dataset)
				rep, err := evaluateWithAlias(ctx, a, r.dataset, prompt.DevelopmentAlias, r.runName, baseline)
				if err != nil {
					return fmt.Errorf("evaluating %s: %w", r.dataset, err)
				}
				printReport(a, rep, baseline)
				if baseline == "" {
					printWarning("%s is not set; run evaluate baseline to compare against the original prompt", r.baselineEnv)
				}
				if err := envfile.Upsert(envfile.Path(), r.urlEnv, resultsURL(a.experiment(), rep.RunID, baseline)); err != nil {
					return err
				}
				printSuccess("Updated %s in %s", r.urlEnv, envfile.Path())
			}
			return nil
		})
	},
}

var evaluateBaselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Curate scored sample traces into the fix and regression datasets and record baseline runs",
	Long: `Curate scored sample traces into the fix and regression datasets.

Sample traces judged inaccurate go to the low_accuracy dataset and traces
that passed every content judge go to regression_set. Each dataset gets a
baseline run of the current prompt, and the run ids are written to the env
file for evaluate fix. Score the sample traces first with evaluate traces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			gen, err := a.generator(ctx, "", nil)
			if err != nil {
				return err
			}
			b, err := a.runner().CreateBaselines(ctx, gen.Prompt().ModelName())
			if err != nil {
				return err
			}
			for _, rep := range []evaluation.Report{b.LowAccuracy, b.Regression} {
				if rep.RunID != "" {
					printReport(a, rep, "")
				}
			}
			return saveBaselines(envfile.Path(), b)
		})
	},
}

// saveBaselines records the baseline run ids evaluate fix compares against.
func saveBaselines(path string, b evaluation.Baselines) error {
	for _, v := range []struct {
		key, dataset string
		rep          evaluation.Report
	}{
		{fixBaselineEnv, evaluation.LowAccuracyDataset, b.LowAccuracy},
		{regressionBaselineEnv, evaluation.RegressionDataset, b.Regression},
	} {
		if v.rep.RunID == "" {
			printWarning("No traces qualify for %s; %s left unchanged", v.dataset, v.key)
			continue
		}
		if err := envfile.Upsert(path, v.key, v.rep.RunID); err != nil {
			return err
		}
		printSuccess("Updated %s in %s", v.key, path)
	}
	return nil
}

// resultsURL links to the comparison view when a baseline is known.
func resultsURL(e links.Experiment, runID, baseline string) string {
	if baseline == "" {
		return e.EvaluationRun(runID)
	}
	return e.Comparison(runID, baseline)
}

func init() {
	evaluateTracesCmd.Flags().Int("max", 3, "number of traces to score")
	evaluateTracesCmd.Flags().String("run-name", "sample_traces", "evaluation run name")
	evaluateDatasetCmd.Flags().String("alias", "", "prompt alias to generate with (default prompt.alias)")
	evaluateDatasetCmd.Flags().String("run-name", "", "evaluation run name (default the dataset name)")
	evaluateDatasetCmd.Flags().String("baseline", "", "run id to compare against")
	evaluateCmd.AddCommand(evaluateTracesCmd, evaluateDatasetCmd, evaluateBaselineCmd, evaluateFixCmd)
}

func evaluateWithAlias(ctx context.Context, a *app, dataset, alias, runName, baseline string) (evaluation.Report, error) {
	gen, err := a.generator(ctx, alias, nil)
	if err != nil {
		return evaluation.Report{}, err
	}
	return a.runner().EvaluateDataset(ctx, gen, evaluation.DatasetRun{
		Dataset:       dataset,
		RunName:       runName,
		PromptModel:   gen.Prompt().ModelName(),
		BaselineRunID: baseline,
	})
}

func printReport(a *app, rep evaluation.Report, baseline string) {
	printSuccess("Run %s: %d evaluated, %d skipped", rep.RunName, rep.Evaluated, rep.Skipped)
	for _, name := range slices.Sorted(maps.Keys(rep.PassRates)) {
		printStatus(name, "%.0f%%", rep.PassRates[name]*100)
	}
	label := "Results"
	if baseline != "" {
		label = "Comparison"
	}
	printLink(label, resultsURL(a.experiment(), rep.RunID, baseline))
}

// --- links ---

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Print links into the experiment UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if !cfg.Remote() {
			return errors.New("DATABRICKS_HOST is not set")
		}
		a := &app{cfg: cfg}
		e := a.experiment()
		printLink("Traces", e.Home())
		printLink("Failed traces", e.FailedTraces())
		printLink("Evaluation runs", e.EvaluationRuns())
		printLink("Datasets", e.Datasets())
		printLink("Prompt", e.Prompt(cfg.PromptCoordinate().FullName()))
		printLink("Label schemas", e.LabelSchemas())
		printLink("Monitoring", e.Monitoring())
		if id := cfg.Showcase.SampleTraceID; id != "" {
			printLink("Sample trace", e.Trace(id))
		}
		if id := cfg.Showcase.SampleLabelingSessionID; id != "" {
			printLink("Labeling session", e.LabelingSession(id))
		}
		return nil
	},
}

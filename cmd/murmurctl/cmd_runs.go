package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/render"
	"murmurscreen/internal/wavcheck"
)

var (
	analyzeMode   string
	runFormat     string
	runOut        string
	runPDF        bool
	runsFormat    string
	uploadAnalyze bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file.wav>",
	Short: "Upload a recording to the run backend and remember its run id",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <run_id|last>",
	Short: "Analyze an uploaded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Views of an analyzed run",
}

var runShowCmd = &cobra.Command{
	Use:   "show <run_id|last>",
	Short: "Prediction summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runView(showRun),
}

var runQualityCmd = &cobra.Command{
	Use:   "quality <run_id|last>",
	Short: "Recording quality gate",
	Args:  cobra.ExactArgs(1),
	RunE:  runView(render.QualityView),
}

var runTriageCmd = &cobra.Command{
	Use:   "triage <run_id|last>",
	Short: "Triage level and rule table",
	Args:  cobra.ExactArgs(1),
	RunE:  runView(render.TriageView),
}

var runRiskCmd = &cobra.Command{
	Use:   "risk <run_id|last>",
	Short: "Urgency score and breakdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runView(render.RiskView),
}

var runWaveformCmd = &cobra.Command{
	Use:   "waveform <run_id|last>",
	Short: "Download the waveform plot",
	Args:  cobra.ExactArgs(1),
	RunE:  runWaveform,
}

var runReportCmd = &cobra.Command{
	Use:   "report <run_id|last>",
	Short: "Download the HTML or PDF report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Run backend listings",
}

var runsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE:  runRunsHistory,
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Model administration on the run backend",
}

var adminTrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain the model",
	Args:  cobra.NoArgs,
	RunE:  runTrain,
}

var adminEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the model",
	Args:  cobra.NoArgs,
	RunE:  runEvaluate,
}

var adminCalibrationCmd = &cobra.Command{
	Use:   "calibration-plot",
	Short: "Download the calibration curve",
	Args:  cobra.NoArgs,
	RunE:  runCalibrationPlot,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadAnalyze, "analyze", false, "analyze right after uploading")
	uploadCmd.Flags().StringVar(&analyzeMode, "mode", contract.ModeReal, "real|demo")
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", contract.ModeReal, "real|demo")
	runShowCmd.Flags().StringVar(&runFormat, "format", "text", "text|md|json")
	for _, c := range []*cobra.Command{runWaveformCmd, runReportCmd, adminCalibrationCmd} {
		c.Flags().StringVarP(&runOut, "out", "o", "", "output file")
	}
	runReportCmd.Flags().BoolVar(&runPDF, "pdf", false, "download the PDF rendition")
	runsHistoryCmd.Flags().StringVar(&runsFormat, "format", "table", "table|json")

	runCmd.AddCommand(runShowCmd, runQualityCmd, runTriageCmd, runRiskCmd, runWaveformCmd, runReportCmd)
	runsCmd.AddCommand(runsHistoryCmd)
	adminCmd.AddCommand(adminTrainCmd, adminEvaluateCmd, adminCalibrationCmd)
	rootCmd.AddCommand(uploadCmd, analyzeCmd, runCmd, runsCmd, adminCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	info, err := wavcheck.Check(args[0], wavcheck.Runs)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rc := runsClient()
	up, err := rc.Upload(ctx, client.Upload{Path: args[0]})
	if err != nil {
		return err
	}
	if err := st.SetLastRunID(ctx, up.RunID, config.Now()); err != nil {
		return err
	}
	log().Debug("uploaded", zap.Int64("run_id", up.RunID), zap.Int("channels", info.Channels))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uploaded %s as run %d (%.1f s at %d Hz)\n", up.Filename, up.RunID, up.Duration, up.SampleRate)
	if !uploadAnalyze {
		fmt.Fprintf(out, "Next: murmurctl analyze %d\n", up.RunID)
		return nil
	}
	res, err := rc.Analyze(ctx, up.RunID, analyzeMode)
	if err != nil {
		return err
	}
	return render.RunSummary(out, res)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	id, err := st.ResolveRunID(ctx, args[0])
	if err != nil {
		return err
	}
	res, err := runsClient().Analyze(ctx, id, analyzeMode)
	if err != nil {
		return err
	}
	if err := st.SetLastRunID(ctx, id, config.Now()); err != nil {
		return err
	}
	return render.RunSummary(cmd.OutOrStdout(), res)
}

// runView fetches a run and hands it to a renderer.
func runView(view func(io.Writer, contract.RunResponse) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		id, err := resolveRun(cmd, args[0])
		if err != nil {
			return err
		}
		res, err := runsClient().Run(ctx, id)
		if err != nil {
			return err
		}
		return view(cmd.OutOrStdout(), res)
	}
}

func showRun(w io.Writer, r contract.RunResponse) error {
	switch runFormat {
	case "text":
		return render.RunSummary(w, r)
	case "md":
		return render.RunMarkdown(w, r)
	case "json":
		return render.JSON(w, r)
	default:
		return fmt.Errorf("unknown format %q", runFormat)
	}
}

func resolveRun(cmd *cobra.Command, ref string) (int64, error) {
	st, err := openStore()
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return st.ResolveRunID(cmdContext(cmd), ref)
}

func runWaveform(cmd *cobra.Command, args []string) error {
	id, err := resolveRun(cmd, args[0])
	if err != nil {
		return err
	}
	png, err := runsClient().Waveform(cmdContext(cmd), id)
	if err != nil {
		return err
	}
	return writeDownload(cmd, png, fmt.Sprintf("run-%d-waveform.png", id))
}

func runReport(cmd *cobra.Command, args []string) error {
	id, err := resolveRun(cmd, args[0])
	if err != nil {
		return err
	}
	rc := runsClient()
	if runPDF {
		pdf, err := rc.ReportPDF(cmdContext(cmd), id)
		if err != nil {
			return err
		}
		return writeDownload(cmd, pdf, fmt.Sprintf("run-%d-report.pdf", id))
	}
	html, err := rc.Report(cmdContext(cmd), id)
	if err != nil {
		return err
	}
	if runOut == "" {
		_, err = cmd.OutOrStdout().Write(html)
		return err
	}
	return writeDownload(cmd, html, "")
}

// writeDownload saves binary content to --out, or to fallback when --out is unset.
func writeDownload(cmd *cobra.Command, data []byte, fallback string) error {
	path := runOut
	if path == "" {
		path = fallback
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", path, len(data))
	return nil
}

func runRunsHistory(cmd *cobra.Command, args []string) error {
	items, err := runsClient().History(cmdContext(cmd))
	if err != nil {
		return err
	}
	switch runsFormat {
	case "table":
		return render.RunHistoryTable(cmd.OutOrStdout(), items)
	case "json":
		return render.JSON(cmd.OutOrStdout(), items)
	default:
		return fmt.Errorf("unknown format %q", runsFormat)
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	res, err := runsClient().Train(cmdContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Training %s: %s\n", res.Status, res.Message)
	return nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	res, err := runsClient().Evaluate(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Evaluation %s\n", res.Status)
	fmt.Fprintf(out, "Accuracy: %.3f\nMacro F1: %.3f\n", res.Metrics.Accuracy, res.Metrics.MacroF1)
	if len(res.Metrics.ConfusionMatrix) > 0 {
		fmt.Fprintln(out, "Confusion matrix:")
		for _, row := range res.Metrics.ConfusionMatrix {
			fmt.Fprintf(out, "  %v\n", row)
		}
	}
	return nil
}

func runCalibrationPlot(cmd *cobra.Command, args []string) error {
	png, err := runsClient().CalibrationPlot(cmdContext(cmd))
	if err != nil {
		return err
	}
	return writeDownload(cmd, png, "calibration.png")
}

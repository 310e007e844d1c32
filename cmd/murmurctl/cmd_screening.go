package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/contract"
	"murmurscreen/internal/pipeline"
	"murmurscreen/internal/preflight"
	"murmurscreen/internal/render"
	"murmurscreen/internal/store"
	"murmurscreen/internal/wavcheck"
)

var (
	predictPatient     string
	predictSite        string
	predictVisit       string
	predictConcurrency int
	predictFormat      string

	historyPatient string
	historyCached  bool
	historyFormat  string
	historyLimit   int
	historyExport  string

	showFormat string
	showCached bool
	showExport string

	preflightFormat string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the screening backend health route",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Diagnose connectivity to the screening backend",
	Long: `Calls /api/health and explains what went wrong if the backend cannot be reached.
Always exits 0 so it can run at the start of scripts.`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

var predictCmd = &cobra.Command{
	Use:   "predict <file.wav>...",
	Short: "Submit recordings for screening",
	Long: `Validates each WAV file locally, submits it to /api/predict and prints the result.

Patient, site and visit come from the flags, then from a <file>.yaml sidecar,
then from DEFAULT_PATIENT_ID / DEFAULT_SITE.

Example:
  murmurctl predict --patient p-17 --site Mitral visit1.wav visit2.wav`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPredict,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past analyses",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show <request_id|last>",
	Short: "Show one analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <request_id|last>",
	Short: "Delete an analysis from the backend history",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	preflightCmd.Flags().StringVar(&preflightFormat, "format", "text", "text|json")

	pf := predictCmd.Flags()
	pf.StringVar(&predictPatient, "patient", "", "patient id")
	pf.StringVar(&predictSite, "site", "", "auscultation site: Aortic|Pulmonic|Tricuspid|Mitral|Unknown")
	pf.StringVar(&predictVisit, "visit", "", "visit label")
	pf.IntVarP(&predictConcurrency, "concurrency", "j", 2, "parallel submissions")
	pf.StringVar(&predictFormat, "format", "text", "text|json")

	hf := historyCmd.Flags()
	hf.StringVar(&historyPatient, "patient", "", "only this patient")
	hf.BoolVar(&historyCached, "cached", false, "read the local result cache instead of the backend")
	hf.StringVar(&historyFormat, "format", "table", "table|csv|json")
	hf.IntVar(&historyLimit, "limit", 100, "maximum cached entries")
	hf.StringVar(&historyExport, "export", "", "also export every listed report into this directory")

	sf := showCmd.Flags()
	sf.StringVar(&showFormat, "format", "text", "text|md|html|json|pretty")
	sf.BoolVar(&showCached, "cached", false, "read the local result cache instead of the backend")
	sf.StringVar(&showExport, "export", "", "write report.html, report.md, result.json and plots under this directory")

	rootCmd.AddCommand(healthCmd, preflightCmd, predictCmd, historyCmd, showCmd, deleteCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := screeningClient().Health(cmdContext(cmd))
	if err != nil {
		return err
	}
	if !h.Healthy() {
		return fmt.Errorf("backend at %s reports unhealthy", cfg.APIURL)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backend OK (%s)\n", cfg.APIURL)
	return nil
}

func runPreflight(cmd *cobra.Command, args []string) error {
	rep := preflight.Check(cmdContext(cmd), cfg.APIURL, cfg.HTTPTimeout(), client.WithLogger(log().Named("client")))
	if !rep.OK() {
		log().Warn("preflight failed", zap.String("outcome", string(rep.Outcome)), zap.String("detail", rep.Detail))
	}
	if preflightFormat == "json" {
		return render.JSON(cmd.OutOrStdout(), rep)
	}
	return rep.Write(cmd.OutOrStdout())
}

type predictOutcome struct {
	path string
	resp contract.PredictResponse
	err  error
}

func runPredict(cmd *cobra.Command, args []string) error {
	if predictFormat != "text" && predictFormat != "json" {
		return fmt.Errorf("unknown format %q", predictFormat)
	}
	ctx := cmdContext(cmd)
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	sc := screeningClient()

	outcomes := make([]predictOutcome, len(args))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(predictConcurrency, 1))
	for i, path := range args {
		outcomes[i].path = path
		g.Go(func() error {
			resp, err := predictOne(cmd, sc, path)
			if err == nil {
				mu.Lock()
				err = cacheResult(cmd, st, resp)
				mu.Unlock()
			}
			outcomes[i].resp, outcomes[i].err = resp, err
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return writePredictions(cmd.OutOrStdout(), outcomes)
}

func predictOne(cmd *cobra.Command, sc *client.Screening, path string) (contract.PredictResponse, error) {
	if _, err := wavcheck.Check(path, wavcheck.Screening); err != nil {
		return contract.PredictResponse{}, err
	}
	md, err := predictMetadata(cfg, path)
	if err != nil {
		return contract.PredictResponse{}, err
	}
	log().Debug("submitting", zap.String("path", path), zap.String("patient_id", md.PatientID), zap.String("site", md.Site))
	return sc.Predict(cmdContext(cmd), client.PredictRequest{
		Upload:     client.Upload{Path: path},
		PatientID:  md.PatientID,
		Site:       md.Site,
		VisitLabel: md.VisitLabel,
	})
}

// predictMetadata layers the command-line flags over the sidecar and configured defaults.
func predictMetadata(c config.Config, path string) (pipeline.Metadata, error) {
	sc, _, err := pipeline.LoadSidecar(path)
	if err != nil {
		return pipeline.Metadata{}, err
	}
	if predictPatient != "" {
		sc.PatientID = predictPatient
	}
	if predictSite != "" {
		sc.Site = predictSite
	}
	if predictVisit != "" {
		sc.VisitLabel = predictVisit
	}
	return pipeline.ResolveMetadata(c, sc)
}

func cacheResult(cmd *cobra.Command, st *store.Store, resp contract.PredictResponse) error {
	ctx := cmdContext(cmd)
	now := config.Now()
	if err := st.PutResult(ctx, resp, now); err != nil {
		return fmt.Errorf("cache result: %w", err)
	}
	return st.SetState(ctx, store.KeyLastRequestID, resp.RequestID, now)
}

func writePredictions(w io.Writer, outcomes []predictOutcome) error {
	var failed int
	if predictFormat == "json" {
		var ok []contract.PredictResponse
		for _, o := range outcomes {
			if o.err != nil {
				failed++
				log().Error("predict failed", zap.String("path", o.path), zap.Error(o.err))
				continue
			}
			ok = append(ok, o.resp)
		}
		if err := render.JSON(w, ok); err != nil {
			return err
		}
	} else {
		for i, o := range outcomes {
			if len(outcomes) > 1 {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "== %s ==\n", filepath.Base(o.path))
			}
			if o.err != nil {
				failed++
				fmt.Fprintf(w, "Failed: %v\n", o.err)
				continue
			}
			if err := render.Text(w, o.resp); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recordings failed", failed, len(outcomes))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	var (
		entries []contract.HistoryEntry
		st      *store.Store
		err     error
	)
	if historyCached || historyExport != "" {
		if st, err = openStore(); err != nil {
			return err
		}
		defer st.Close()
	}
	if historyCached {
		entries, err = st.ListResults(ctx, historyPatient, historyLimit)
	} else {
		entries, err = screeningClient().History(ctx, historyPatient)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch historyFormat {
	case "table":
		err = render.HistoryTable(out, entries)
	case "csv":
		err = render.HistoryCSV(out, entries)
	case "json":
		err = render.JSON(out, entries)
	default:
		err = fmt.Errorf("unknown format %q", historyFormat)
	}
	if err != nil || historyExport == "" {
		return err
	}
	return exportHistory(cmd, st, entries)
}

// exportHistory fetches and writes every listed report, a few at a time.
func exportHistory(cmd *cobra.Command, st *store.Store, entries []contract.HistoryEntry) error {
	g, ctx := errgroup.WithContext(cmdContext(cmd))
	g.SetLimit(4)
	sc := screeningClient()
	var mu sync.Mutex
	for _, e := range entries {
		g.Go(func() error {
			dir, err := render.ExportDir(historyExport, e.RequestID)
			if err != nil {
				return err
			}
			p, err := fetchResult(ctx, sc, st, e.RequestID, historyCached)
			if err != nil {
				return fmt.Errorf("%s: %w", e.RequestID, err)
			}
			if _, err := render.ExportReport(dir, p, cfg.ThumbWidth); err != nil {
				return err
			}
			if !historyCached {
				mu.Lock()
				defer mu.Unlock()
				return st.PutResult(ctx, p, config.Now())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d reports to %s\n", len(entries), historyExport)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	id, err := st.ResolveRequestID(ctx, args[0])
	if err != nil {
		return err
	}
	p, err := fetchResult(ctx, screeningClient(), st, id, showCached)
	if err != nil {
		return err
	}
	if !showCached {
		if err := st.PutResult(ctx, p, config.Now()); err != nil {
			log().Warn("cache result", zap.String("request_id", id), zap.Error(err))
		}
	}

	if showExport != "" {
		dir, err := render.ExportDir(showExport, p.RequestID)
		if err != nil {
			return err
		}
		files, err := render.ExportReport(dir, p, cfg.ThumbWidth)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.ErrOrStderr(), "wrote", f)
		}
	}
	return writeResult(cmd.OutOrStdout(), p, showFormat)
}

func writeResult(w io.Writer, p contract.PredictResponse, format string) error {
	switch format {
	case "text":
		return render.Text(w, p)
	case "md":
		return render.Markdown(w, p)
	case "html":
		return render.HTML(w, p)
	case "json":
		return render.JSON(w, p)
	case "pretty":
		var md bytes.Buffer
		if err := render.Markdown(&md, p); err != nil {
			return err
		}
		out, err := render.Pretty(md.String(), 100)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	id, err := st.ResolveRequestID(ctx, args[0])
	if err != nil {
		return err
	}
	if err := screeningClient().DeleteHistory(ctx, id); err != nil {
		return err
	}
	if err := st.DeleteResult(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := st.ClearStateIf(ctx, store.KeyLastRequestID, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	return nil
}

// fetchResult reads a result from the backend or, with cached, from the local cache.
func fetchResult(ctx context.Context, sc *client.Screening, st *store.Store, id string, cached bool) (contract.PredictResponse, error) {
	if !cached {
		return sc.HistoryDetail(ctx, id)
	}
	p, err := st.GetResult(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return p, fmt.Errorf("%s is not in the local cache; run without --cached", id)
	}
	return p, err
}

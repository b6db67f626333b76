package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog/log"
	cpg "github.com/umccr/cttso-pieriandx-gateway"
)

const usage = `cttso-pieriandx-gateway.

Moves ctTSO sample outputs from ICA to PierianDx and keeps the submission
ledger in step with the lab sheet, the data portal and the trial database.
Endpoints and credentials come from CTTSO_* environment variables.

Usage:
  cttso-pieriandx-gateway -h | --help
  cttso-pieriandx-gateway reconcile [--dryrun] [--verbose]
  cttso-pieriandx-gateway submit (--csv=<path> | --json=<path>) [--runids=<ids>] [--dryrun] [--verbose]
  cttso-pieriandx-gateway status (--caseids=<ids> | --accessions=<ids>) [--verbose]
  cttso-pieriandx-gateway reports (--caseids=<ids> | --accessions=<ids>) --out=<dir> [--format=<fmt>] [--verbose]
  cttso-pieriandx-gateway serve [--verbose]
  cttso-pieriandx-gateway listen [--verbose]

Options:
  -h --help             Show this screen.
  --dryrun              Reconcile and report without writing anywhere.
  --csv=<path>          Accession records as CSV.
  --json=<path>         Accession records as a JSON list.
  --runids=<ids>        Comma-separated workflow run ids, one per record, in order.
  --caseids=<ids>       Comma-separated vendor case ids.
  --accessions=<ids>    Comma-separated accession numbers.
  --out=<dir>           Report directory, or s3://<bucket>/<prefix>.
  --format=<fmt>        Report format, pdf or json [default: pdf].
  --verbose             Debug logging.
`

func setupSignalListener(cancel context.CancelFunc, wg *sync.WaitGroup) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		// block until signal is received
		s := <-c
		log.Info().Str("signal", s.String()).Msg("Shutting down ctTSO PierianDx gateway")
		cancel()
		wg.Wait()
	}()
}

func handleError(err error, message string) {
	if err != nil {
		log.Fatal().Err(err).Msg(message)
	}
}

type services struct {
	profile cpg.EnvironmentProfile
	tokens  *cpg.TokenService
	vendor  *cpg.PierianDxService
	store   *cpg.AWSS3Service
	ledger  cpg.Ledger
	close   func()
}

func main() {
	os.Exit(run())
}

func run() int {
	args, err := docopt.ParseDoc(usage)
	handleError(err, "Arguments cannot be parsed")

	var config cpg.CLIConfig
	err = args.Bind(&config)
	handleError(err, "Error binding arguments")

	cpg.ConfigureLogging(config.Verbose, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	setupSignalListener(cancel, &wg)

	profile, err := cpg.LoadEnvironmentProfile()
	handleError(err, "Environment cannot be loaded")

	shutdownTracer, err := cpg.InitTracerProvider(ctx, profile.Otel.Host, profile.Otel.Port, profile.Otel.ServiceName, profile.Name)
	handleError(err, "Tracer cannot be created")
	defer shutdownTracer()

	svc := newServices(ctx, profile)
	defer svc.close()

	switch {
	case config.Status:
		return runStatus(ctx, svc, config)
	case config.Reports:
		return runReports(ctx, svc, config)
	}

	reconciler := newReconcileService(ctx, svc, !config.DryRun)
	switch {
	case config.Reconcile:
		report, err := reconciler.Run(ctx, config.DryRun)
		handleError(err, "Reconciliation pass cannot start")
		return finishReport(report)
	case config.Submit:
		rows, err := readAccessionFile(config)
		handleError(err, "Accession file cannot be read")
		report, err := reconciler.SubmitRecords(ctx, rows, splitList(config.RunIDs), config.DryRun)
		handleError(err, "Bulk submission cannot start")
		return finishReport(report)
	case config.Serve:
		runServe(ctx, svc, reconciler, &wg)
	case config.Listen:
		runListen(ctx, svc, reconciler, &wg)
	}
	log.Info().Msg("Exiting ctTSO PierianDx gateway")
	return 0
}

func newServices(ctx context.Context, profile cpg.EnvironmentProfile) services {
	httpClient := &http.Client{Timeout: profile.PierianDx.Timeout}
	tokens := cpg.NewTokenService(profile.PierianDx, httpClient, nil)
	vendor := cpg.NewPierianDxService(profile.PierianDx, tokens, httpClient)
	store := cpg.NewAWSS3Service(profile.S3, time.Hour)

	ledger, closeLedger, err := cpg.OpenLedger(ctx, profile.Ledger, profile.Databricks)
	handleError(err, "Ledger cannot be opened")

	return services{profile: profile, tokens: tokens, vendor: vendor, store: store, ledger: ledger, close: closeLedger}
}

// newReconcileService wires the read sources and the write path. Report
// sinks are only attached when the pass may write.
func newReconcileService(ctx context.Context, svc services, publish bool) *cpg.ReconcileService {
	p := svc.profile
	httpClient := &http.Client{Timeout: p.PierianDx.Timeout}

	ica := cpg.NewICAService(p.ICA.BaseURL, p.ICA.AccessToken, httpClient)
	portal, err := cpg.NewPortalService(ctx, p.Portal.BaseURL, p.Portal.Region, httpClient)
	handleError(err, "Portal service cannot be created")

	refs, err := cpg.LoadReferenceTables()
	handleError(err, "Reference tables cannot be loaded")
	zone, err := p.Location()
	handleError(err, "Local timezone cannot be loaded")

	deps := cpg.ReconcileDeps{
		Portal:   portal,
		Vendor:   svc.vendor,
		Runs:     ica,
		Transfer: cpg.NewTransferService(ica, svc.store, p.S3.Bucket),
		Ledger:   svc.ledger,
	}
	if p.LabSheet.Bucket != "" {
		deps.Lab = cpg.NewLabSheetService(svc.store, p.LabSheet.Bucket, p.LabSheet.Key)
	}
	if p.RedCap.URL != "" {
		deps.Trial = cpg.NewRedCapService(p.RedCap.URL, p.RedCap.Token, httpClient)
	}
	if publish {
		if p.S3.ReportPrefix != "" {
			deps.Sinks = append(deps.Sinks, cpg.NewS3ReportSink(svc.store, p.S3.Bucket, p.S3.ReportPrefix))
		}
		if p.Databricks.ReportPath != "" {
			sink, err := cpg.NewDatabricksReportSink(p.Databricks)
			handleError(err, "Databricks report sink cannot be created")
			deps.Sinks = append(deps.Sinks, sink)
		}
	}

	return cpg.NewReconcileService(deps, cpg.ReconcileSettings{
		DestinationPrefix:     p.S3.Prefix,
		MaxSubmissionsPerPass: p.MaxSubmissionsPerPass,
		SubmissionDelay:       p.PierianDx.SubmissionDelay,
		LocalZone:             zone,
		References:            refs,
		SlackURL:              p.SlackURL,
	})
}

func finishReport(report *cpg.BatchReport) int {
	if err := report.Render(os.Stdout); err != nil {
		log.Error().Err(err).Msg("Could not print report")
	}
	return report.ExitCode()
}

func runStatus(ctx context.Context, svc services, config cpg.CLIConfig) int {
	statuses, err := cpg.NewCaseStatusService(svc.vendor).Lookup(ctx, splitList(config.CaseIDs), splitList(config.Accessions))
	if err != nil {
		log.Error().Err(err).Msg("Case status lookup failed")
		return 1
	}
	if err := cpg.RenderCaseStatuses(os.Stdout, statuses); err != nil {
		log.Error().Err(err).Msg("Could not print case statuses")
		return 1
	}
	return 0
}

func runReports(ctx context.Context, svc services, config cpg.CLIConfig) int {
	format := strings.ToLower(config.Format)
	if format != "pdf" && format != "json" {
		log.Error().Str("format", config.Format).Msg("Report format must be pdf or json")
		return 1
	}
	caseStatus := cpg.NewCaseStatusService(svc.vendor)
	statuses, err := caseStatus.Lookup(ctx, splitList(config.CaseIDs), splitList(config.Accessions))
	if err != nil {
		log.Error().Err(err).Msg("Case status lookup failed")
		return 1
	}

	var writer cpg.ReportWriter = cpg.DirReportWriter{Dir: config.OutDir}
	if strings.HasPrefix(config.OutDir, "s3://") {
		u, err := url.Parse(config.OutDir)
		if err != nil {
			log.Error().Err(err).Msg("Report destination cannot be parsed")
			return 1
		}
		writer = cpg.S3ReportWriter{Store: svc.store, Bucket: u.Host, Prefix: strings.TrimPrefix(u.Path, "/")}
	}
	written, err := caseStatus.DownloadReports(ctx, statuses, format, writer)
	for _, name := range written {
		fmt.Println(name)
	}
	if err != nil {
		log.Error().Err(err).Msg("Report download failed")
		return 1
	}
	return 0
}

func runServe(ctx context.Context, svc services, reconciler *cpg.ReconcileService, wg *sync.WaitGroup) {
	scheduler := cpg.NewScheduler(reconciler, svc.tokens)
	handleError(scheduler.Start(ctx, svc.profile.SyncInterval, svc.profile.PierianDx.TokenRefresh), "Scheduler cannot be started")

	server := cpg.NewOpsServer(svc.ledger, reconciler)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		scheduler.Stop()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Ops server shutdown failed")
		}
	}()
	handleError(server.Start(svc.profile.ServerAddr), "Ops server failed")
	wg.Wait()
}

func runListen(ctx context.Context, svc services, reconciler *cpg.ReconcileService, wg *sync.WaitGroup) {
	n := svc.profile.Nats
	listener, err := cpg.NewWorkflowEventListener(n.URL, n.Cert, n.Key, n.Consumer, n.Password, n.Filter, reconciler)
	handleError(err, "Workflow listener cannot be created")
	wg.Add(1)
	defer wg.Done()
	handleError(listener.Run(ctx, n.Consumer, n.Subject), "Workflow listener failed")
}

func readAccessionFile(config cpg.CLIConfig) ([]map[string]string, error) {
	path := config.CSVPath
	if path == "" {
		path = config.JSONPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if config.CSVPath != "" {
		return cpg.ReadAccessionCSV(f)
	}
	return cpg.ReadAccessionJSON(f)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"vote-service/internal/factory"
	"vote-service/internal/remediation"
	"vote-service/internal/util"
)

// Runs the batch fraud remediation pipeline once and exits. SIGINT or
// SIGTERM cancels the run between batches; an interrupted run is safe to
// restart from scratch.
func main() {
	dryRun := flag.Bool("dry-run", false, "classify and report without deleting anything")
	flag.Parse()

	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		util.Warn("Cancelling remediation run", util.String("signal", sig.String()))
		cancel()
	}()

	pipeline := f.RemediationPipeline()
	summary, err := pipeline.Run(ctx, remediation.Options{DryRun: *dryRun})
	if err != nil {
		util.Fatal("Remediation run failed", util.ErrorField(err))
	}

	util.Info("Remediation finished",
		util.String("run_id", summary.RunID),
		util.Int64("votes_scanned", summary.VotesScanned),
		util.Int64("votes_deleted", summary.VotesDeleted),
		util.Int64("challenges_deleted", summary.ChallengesDeleted),
		util.Int64("decrypt_failures", summary.DecryptFailures),
		util.Int64("record_errors", summary.RecordErrors),
		util.Bool("dry_run", summary.DryRun),
	)
}

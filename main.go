package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bitrise-io/go-steputils/v2/export"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/nixfleet/integration-runner/artifact"
	"github.com/nixfleet/integration-runner/category"
	"github.com/nixfleet/integration-runner/category/builtin"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/perf"
	"github.com/nixfleet/integration-runner/report"
	"github.com/nixfleet/integration-runner/scheduler"
	"github.com/nixfleet/integration-runner/suite"
)

const usage = `integration-runner - CI orchestrator for the repository's integration test categories

Usage:
  integration-runner [--help|-h]

All behavior is environment-variable driven:
  TEST_OUTPUT_FORMAT        console | tap | junit | json (default: console)
  TEST_OUTPUT_FILE          report path; extension is rewritten per format
  TEST_CATEGORY             comma-separated subset of the fixed categories
  SKIP_SLOW_TESTS           drop the known-slow categories
  SKIP_SOPS_TESTS           drop the categories needing the sops binary
  TEST_TIMEOUT              global wall-clock budget in ms (default: 300000)
  INDIVIDUAL_TEST_TIMEOUT   per-test budget in ms (default: 30000)
  TEST_PARALLEL             run categories in bounded parallel chunks
  MAX_PARALLEL_TESTS        chunk size (default: 4)
  GENERATE_TEST_ARTIFACTS   default: true on CI
  TEST_ARTIFACTS_DIR        default: test-artifacts
  RETRY_FAILED_TESTS        retry failed categories
  MAX_TEST_RETRIES          retry budget per category (default: 2)

Exit codes: 0 all passed, 1 failures or fatal error, 124 global timeout.`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.NewLogger()

	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			fmt.Println(usage)
			return 0
		}
		logger.Errorf("Unknown argument: %s", arg)
		fmt.Println(usage)
		return 1
	}

	envRepository := env.NewRepository()
	configParser := config.NewParser(stepconf.NewInputParser(envRepository), logger)
	cfg, err := configParser.ProcessConfig()
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}
	logger.EnableDebugLog(!cfg.IsCI)

	watchdog := scheduler.NewWatchdog(cfg.GlobalTimeout, logger, os.Exit)
	watchdog.Arm()
	defer watchdog.Stop()

	monitor := perf.NewMonitor(logger)
	testSuite := suite.New(
		&cfg,
		logger,
		monitor,
		suite.NewCommandRunner(logger),
		pathutil.NewPathChecker(),
		pathutil.NewPathProvider(),
		fileutil.NewFileManager(),
		suite.DefaultRequiredFiles,
	)

	registry := category.NewRegistry()
	if err := builtin.Register(registry, &cfg); err != nil {
		logger.Errorf("Failed to register category modules: %s", err)
		return 1
	}

	formatter := report.NewFormatter(&cfg, logger, fileutil.NewFileManager())
	exporter := export.NewExporter(command.NewFactory(envRepository))
	artifacts := artifact.NewGenerator(&cfg, logger, fileutil.NewFileManager(), pathutil.NewPathChecker(), exporter, envRepository)

	return scheduler.New(&cfg, logger, testSuite, registry, formatter, artifacts).Run(context.Background())
}

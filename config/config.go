package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Output formats ...
const (
	FormatConsole = "console"
	FormatTAP     = "tap"
	FormatJUnit   = "junit"
	FormatJSON    = "json"
)

const (
	defaultGlobalTimeout = 300000 * time.Millisecond
	defaultTestTimeout   = 30000 * time.Millisecond
	defaultMaxParallel   = 4
	defaultMaxRetries    = 2
	defaultArtifactsDir  = "test-artifacts"
)

// Input ...
type Input struct {
	OutputFormat   string `env:"TEST_OUTPUT_FORMAT"`
	OutputFile     string `env:"TEST_OUTPUT_FILE"`
	CategoryFilter string `env:"TEST_CATEGORY"`

	SkipSlowTests bool `env:"SKIP_SLOW_TESTS"`
	SkipSopsTests bool `env:"SKIP_SOPS_TESTS"`

	CI            string `env:"CI"`
	GithubActions string `env:"GITHUB_ACTIONS"`
	JenkinsURL    string `env:"JENKINS_URL"`

	GlobalTimeoutMS int `env:"TEST_TIMEOUT"`
	TestTimeoutMS   int `env:"INDIVIDUAL_TEST_TIMEOUT"`

	Parallel    bool `env:"TEST_PARALLEL"`
	MaxParallel int  `env:"MAX_PARALLEL_TESTS"`

	GenerateArtifacts string `env:"GENERATE_TEST_ARTIFACTS"`
	ArtifactsDir      string `env:"TEST_ARTIFACTS_DIR"`

	RetryFailedTests bool `env:"RETRY_FAILED_TESTS"`
	MaxRetries       int  `env:"MAX_TEST_RETRIES"`
}

// Config is the resolved, immutable run configuration. It is built once at
// process start and passed by reference into every component; lower layers
// never read the environment directly.
type Config struct {
	OutputFormat   string
	OutputFile     string
	CategoryFilter []string

	SkipSlowTests bool
	SkipSopsTests bool

	IsCI bool

	GlobalTimeout time.Duration
	TestTimeout   time.Duration

	Parallel    bool
	MaxParallel int

	GenerateArtifacts bool
	ArtifactsDir      string

	RetryFailedTests bool
	MaxRetries       int
}

// Parser ...
type Parser struct {
	inputParser stepconf.InputParser
	logger      log.Logger
}

// NewParser ...
func NewParser(inputParser stepconf.InputParser, logger log.Logger) Parser {
	return Parser{
		inputParser: inputParser,
		logger:      logger,
	}
}

// ProcessConfig ...
func (p Parser) ProcessConfig() (Config, error) {
	var input Input
	if err := p.inputParser.Parse(&input); err != nil {
		return Config{}, err
	}

	stepconf.Print(input)
	p.logger.Println()

	outputFormat := input.OutputFormat
	if outputFormat == "" {
		outputFormat = FormatConsole
	}
	switch outputFormat {
	case FormatConsole, FormatTAP, FormatJUnit, FormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid TEST_OUTPUT_FORMAT (%s), should be one of: console, tap, junit, json", input.OutputFormat)
	}

	isCI := isTruthy(input.CI) || isTruthy(input.GithubActions) || input.JenkinsURL != ""

	globalTimeout := defaultGlobalTimeout
	if input.GlobalTimeoutMS > 0 {
		globalTimeout = time.Duration(input.GlobalTimeoutMS) * time.Millisecond
	}
	testTimeout := defaultTestTimeout
	if input.TestTimeoutMS > 0 {
		testTimeout = time.Duration(input.TestTimeoutMS) * time.Millisecond
	}

	maxParallel := input.MaxParallel
	if maxParallel < 1 {
		maxParallel = defaultMaxParallel
	}

	maxRetries := input.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}

	// Artifacts are generated by default only on CI hosts; an explicit
	// GENERATE_TEST_ARTIFACTS value wins either way.
	generateArtifacts := isCI
	if input.GenerateArtifacts != "" {
		generateArtifacts = isTruthy(input.GenerateArtifacts)
	}

	artifactsDir := input.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}

	return Config{
		OutputFormat:   outputFormat,
		OutputFile:     input.OutputFile,
		CategoryFilter: splitCategoryFilter(input.CategoryFilter),

		SkipSlowTests: input.SkipSlowTests,
		SkipSopsTests: input.SkipSopsTests,

		IsCI: isCI,

		GlobalTimeout: globalTimeout,
		TestTimeout:   testTimeout,

		Parallel:    input.Parallel,
		MaxParallel: maxParallel,

		GenerateArtifacts: generateArtifacts,
		ArtifactsDir:      artifactsDir,

		RetryFailedTests: input.RetryFailedTests,
		MaxRetries:       maxRetries,
	}, nil
}

func splitCategoryFilter(filter string) []string {
	if strings.TrimSpace(filter) == "" {
		return nil
	}

	var categories []string
	for _, part := range strings.Split(filter, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			categories = append(categories, part)
		}
	}
	return categories
}

func isTruthy(value string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	return parsed
}

// MarshalJSON renders durations in milliseconds, the unit every timeout is
// configured in.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias struct {
		OutputFormat      string   `json:"outputFormat"`
		OutputFile        string   `json:"outputFile,omitempty"`
		CategoryFilter    []string `json:"categoryFilter,omitempty"`
		SkipSlowTests     bool     `json:"skipSlowTests"`
		SkipSopsTests     bool     `json:"skipSopsTests"`
		IsCI              bool     `json:"ci"`
		GlobalTimeoutMS   int64    `json:"globalTimeoutMs"`
		TestTimeoutMS     int64    `json:"individualTestTimeoutMs"`
		Parallel          bool     `json:"parallel"`
		MaxParallel       int      `json:"maxParallel"`
		GenerateArtifacts bool     `json:"generateArtifacts"`
		ArtifactsDir      string   `json:"artifactsDir"`
		RetryFailedTests  bool     `json:"retryFailedTests"`
		MaxRetries        int      `json:"maxRetries"`
	}

	return json.Marshal(alias{
		OutputFormat:      c.OutputFormat,
		OutputFile:        c.OutputFile,
		CategoryFilter:    c.CategoryFilter,
		SkipSlowTests:     c.SkipSlowTests,
		SkipSopsTests:     c.SkipSopsTests,
		IsCI:              c.IsCI,
		GlobalTimeoutMS:   c.GlobalTimeout.Milliseconds(),
		TestTimeoutMS:     c.TestTimeout.Milliseconds(),
		Parallel:          c.Parallel,
		MaxParallel:       c.MaxParallel,
		GenerateArtifacts: c.GenerateArtifacts,
		ArtifactsDir:      c.ArtifactsDir,
		RetryFailedTests:  c.RetryFailedTests,
		MaxRetries:        c.MaxRetries,
	})
}

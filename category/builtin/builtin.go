// Package builtin registers the default category modules. These are the
// boundary-level checks of the configuration repository; each module only
// drives suite.RunTest and suite.ExecCommand, the orchestration engine does
// not depend on what the assertions verify.
package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nixfleet/integration-runner/category"
	"github.com/nixfleet/integration-runner/config"
	"github.com/nixfleet/integration-runner/suite"
)

const commandTimeout = 60 * time.Second

// Register binds the default module of every category.
func Register(reg *category.Registry, cfg *config.Config) error {
	modules := map[string]category.Module{
		category.Environment:      environmentModule{},
		category.ConfigGeneration: configGenerationModule{},
		category.E2EWorkflow:      e2eWorkflowModule{},
		category.Security:         securityModule{},
		category.Encryption:       encryptionModule{cfg: cfg},
		category.SopsWorkflow:     sopsWorkflowModule{cfg: cfg},
		category.CLISmoke:         cliSmokeModule{},
		category.Performance:      performanceModule{},
	}

	for name, module := range modules {
		if err := reg.Register(name, module); err != nil {
			return err
		}
	}
	return nil
}

type environmentModule struct{}

func (environmentModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "HOME is set", func(ctx context.Context) error {
		if os.Getenv("HOME") == "" {
			return fmt.Errorf("HOME is not set")
		}
		return nil
	}, suite.RunOpts{Category: category.Environment})

	s.RunTest(ctx, "scratch dir is writable", func(ctx context.Context) error {
		probe := filepath.Join(s.TempDir(), "probe")
		if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
			return err
		}
		return os.Remove(probe)
	}, suite.RunOpts{Category: category.Environment})

	return nil
}

type configGenerationModule struct{}

func (configGenerationModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "config generation script runs", func(ctx context.Context) error {
		_, err := s.ExecCommand(ctx, "bash scripts/generate-configs.sh --check", suite.CommandOpts{Timeout: commandTimeout})
		return err
	}, suite.RunOpts{Category: category.ConfigGeneration})

	return nil
}

type e2eWorkflowModule struct{}

func (e2eWorkflowModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "generate and verify workflow", func(ctx context.Context) error {
		if _, err := s.ExecCommand(ctx, "bash scripts/generate-configs.sh --check", suite.CommandOpts{Timeout: commandTimeout}); err != nil {
			return err
		}
		_, err := s.ExecCommand(ctx, "git status --porcelain", suite.CommandOpts{Timeout: commandTimeout})
		return err
	}, suite.RunOpts{Category: category.E2EWorkflow})

	return nil
}

type securityModule struct{}

func (securityModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "no plaintext private keys in tree", func(ctx context.Context) error {
		result, err := s.ExecCommand(ctx, `grep -rl --exclude-dir=.git "BEGIN RSA PRIVATE KEY" .`, suite.CommandOpts{Timeout: commandTimeout})
		// grep exits 1 on no match, which is the outcome we want here.
		if err == nil {
			return fmt.Errorf("plaintext private key material found in: %s", strings.TrimSpace(result.Stdout))
		}
		if result.ExitCode == 1 {
			return nil
		}
		return err
	}, suite.RunOpts{Category: category.Security})

	return nil
}

type encryptionModule struct {
	cfg *config.Config
}

func (m encryptionModule) RunTests(ctx context.Context, s *suite.Suite) error {
	sopsMissing := !binaryInstalled("sops")

	s.RunTest(ctx, "sops encrypt/decrypt round trip", func(ctx context.Context) error {
		plain := filepath.Join(s.TempDir(), "roundtrip.yaml")
		if err := os.WriteFile(plain, []byte("probe: value\n"), 0600); err != nil {
			return err
		}
		if _, err := s.ExecCommand(ctx, fmt.Sprintf("sops --encrypt --in-place %s", plain), suite.CommandOpts{Timeout: commandTimeout}); err != nil {
			return err
		}
		result, err := s.ExecCommand(ctx, fmt.Sprintf("sops --decrypt %s", plain), suite.CommandOpts{Timeout: commandTimeout})
		if err != nil {
			return err
		}
		if !strings.Contains(result.Stdout, "probe: value") {
			return fmt.Errorf("decrypted content does not match the original")
		}
		return nil
	}, suite.RunOpts{Category: category.Encryption, SkipIf: m.cfg.SkipSopsTests || sopsMissing})

	return nil
}

type sopsWorkflowModule struct {
	cfg *config.Config
}

func (m sopsWorkflowModule) RunTests(ctx context.Context, s *suite.Suite) error {
	sopsMissing := !binaryInstalled("sops")

	s.RunTest(ctx, "sops rules cover secret files", func(ctx context.Context) error {
		result, err := s.ExecCommand(ctx, "cat .sops.yaml", suite.CommandOpts{Timeout: commandTimeout})
		if err != nil {
			return err
		}
		if !strings.Contains(result.Stdout, "creation_rules") {
			return fmt.Errorf(".sops.yaml has no creation_rules section")
		}
		return nil
	}, suite.RunOpts{Category: category.SopsWorkflow, SkipIf: m.cfg.SkipSopsTests || sopsMissing})

	return nil
}

type cliSmokeModule struct{}

func (cliSmokeModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "generation script prints usage", func(ctx context.Context) error {
		result, err := s.ExecCommand(ctx, "bash scripts/generate-configs.sh --help", suite.CommandOpts{Timeout: commandTimeout})
		if err != nil {
			return err
		}
		if strings.TrimSpace(result.Stdout) == "" {
			return fmt.Errorf("usage output is empty")
		}
		return nil
	}, suite.RunOpts{Category: category.CLISmoke})

	return nil
}

type performanceModule struct{}

func (performanceModule) RunTests(ctx context.Context, s *suite.Suite) error {
	s.RunTest(ctx, "config generation stays under budget", func(ctx context.Context) error {
		start := time.Now()
		if _, err := s.ExecCommand(ctx, "bash scripts/generate-configs.sh --check", suite.CommandOpts{Timeout: commandTimeout}); err != nil {
			return err
		}
		if elapsed := time.Since(start); elapsed > 30*time.Second {
			return fmt.Errorf("config generation took %s, budget is 30s", elapsed.Round(time.Millisecond))
		}
		return nil
	}, suite.RunOpts{Category: category.Performance})

	return nil
}

func binaryInstalled(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// DefaultRiskTimeout bounds one external assessment.
const DefaultRiskTimeout = 10 * time.Second

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	// Run executes name with args, feeding stdin, and returns combined
	// output and the exit code. err is non-nil only if the command could
	// not be run at all.
	Run(ctx context.Context, stdin []byte, name string, args ...string) (output []byte, exitCode int, err error)
}

// RealCommandRunner executes real system commands.
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete.
func (r *RealCommandRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}

// CommandRiskAssessor delegates the risk verdict to an external program.
// The program receives the file content on stdin and the absolute path as
// its last argument. Exit status 0 passes; anything else fails, with the
// first output line as the reason.
type CommandRiskAssessor struct {
	argv    []string
	timeout time.Duration
	runner  CommandRunner
	logger  *zap.Logger
}

// NewCommandRiskAssessor parses command (whitespace-separated argv).
func NewCommandRiskAssessor(command string, timeout time.Duration, logger *zap.Logger) (*CommandRiskAssessor, error) {
	return NewCommandRiskAssessorWithRunner(command, timeout, logger, &RealCommandRunner{})
}

// NewCommandRiskAssessorWithRunner creates an assessor with an injectable runner (for testing).
func NewCommandRiskAssessorWithRunner(command string, timeout time.Duration, logger *zap.Logger, runner CommandRunner) (*CommandRiskAssessor, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("risk command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultRiskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRiskAssessor{argv: argv, timeout: timeout, runner: runner, logger: logger}, nil
}

// Assess runs the command for path.
func (a *CommandRiskAssessor) Assess(ctx context.Context, path string, content []byte) (domain.RiskVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string(nil), a.argv[1:]...), path)
	out, code, err := a.runner.Run(ctx, content, a.argv[0], args...)
	if err != nil {
		return domain.RiskVerdict{}, fmt.Errorf("risk command %s: %w", a.argv[0], err)
	}

	reason := firstLine(out)
	a.logger.Debug("risk assessed",
		zap.String("path", path),
		zap.Int("exit_code", code),
		zap.String("reason", reason))

	if code != 0 && reason == "" {
		reason = fmt.Sprintf("exit status %d", code)
	}
	return domain.RiskVerdict{Pass: code == 0, Reason: reason}, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Ensure CommandRiskAssessor implements domain.RiskAssessor.
var _ domain.RiskAssessor = (*CommandRiskAssessor)(nil)

package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultQueryRate      = 5.0
)

var (
	// sbatch prints "Submitted batch job 123" and, on federated clusters,
	// "Submitted batch job 123 on cluster foo".
	submittedRe = regexp.MustCompile(`(?i)submitted\s+batch\s+job\s+(\d+)`)

	// sbatch --parsable prints "123" or "123;cluster".
	parsableRe = regexp.MustCompile(`^(\d+)(;\S+)?$`)
)

// Commands names the SLURM executables.
type Commands struct {
	Submit  string
	Queue   string
	Account string
	Cancel  string
}

// DefaultCommands returns the standard SLURM tool names.
func DefaultCommands() Commands {
	return Commands{Submit: "sbatch", Queue: "squeue", Account: "sacct", Cancel: "scancel"}
}

// Config tunes the SLURM gateway.
type Config struct {
	// User restricts queue listings. Default: $USER.
	User string

	// CommandTimeout bounds every scheduler command. Default: 60s.
	CommandTimeout time.Duration

	// QueryRate is the maximum number of scheduler calls per second.
	// Zero means the default, negative disables throttling.
	QueryRate float64

	Commands Commands
	Runner   Runner
	Logger   *zap.Logger

	// LookPath resolves executables for Available. Default: exec.LookPath.
	LookPath func(string) (string, error)
}

// Slurm is the Gateway backed by the SLURM CLI.
type Slurm struct {
	cfg     Config
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Gateway = (*Slurm)(nil)

// NewSlurm creates a SLURM gateway.
func NewSlurm(cfg Config) *Slurm {
	def := DefaultCommands()
	if cfg.Commands.Submit == "" {
		cfg.Commands.Submit = def.Submit
	}
	if cfg.Commands.Queue == "" {
		cfg.Commands.Queue = def.Queue
	}
	if cfg.Commands.Account == "" {
		cfg.Commands.Account = def.Account
	}
	if cfg.Commands.Cancel == "" {
		cfg.Commands.Cancel = def.Cancel
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.QueryRate == 0 {
		cfg.QueryRate = DefaultQueryRate
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}

	s := &Slurm{cfg: cfg, runner: cfg.Runner, logger: cfg.Logger}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if cfg.QueryRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.QueryRate), 1)
	}
	return s
}

// Available checks that every SLURM command is on PATH.
func (s *Slurm) Available() error {
	var missing []string
	for _, name := range []string{s.cfg.Commands.Submit, s.cfg.Commands.Queue, s.cfg.Commands.Account, s.cfg.Commands.Cancel} {
		if _, err := s.cfg.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrSchedulerNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// Submit implements Gateway.
func (s *Slurm) Submit(ctx context.Context, scriptPath string, dryRun bool) (string, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrScriptMissing, scriptPath)
	}
	if dryRun {
		s.logger.Info("Dry run: would submit job script", zap.String("script", scriptPath))
		return jobstate.JobIDDryRun, nil
	}

	out, err := s.run(ctx, s.cfg.Commands.Submit, scriptPath)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", scriptPath, err)
	}
	id, ok := ParseJobID(string(out))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrJobIDParseFailed, strings.TrimSpace(string(out)))
	}
	s.logger.Info("Submitted job", zap.String("job_id", id), zap.String("script", scriptPath))
	return id, nil
}

// ParseJobID extracts the job id from sbatch output.
func ParseJobID(out string) (string, bool) {
	if m := submittedRe.FindStringSubmatch(out); m != nil {
		return m[1], true
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if m := parsableRe.FindStringSubmatch(strings.TrimSpace(sc.Text())); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Status implements Gateway. The live queue is consulted first; accounting
// is the fallback for jobs that already left it.
func (s *Slurm) Status(ctx context.Context, jobID string) RawStatus {
	out, err := s.run(ctx, s.cfg.Commands.Queue, "--job", jobID, "--format=%T", "--noheader")
	if err == nil {
		if line := firstLine(out); line != "" {
			if st := NormalizeState(line); st.Known() {
				return st
			}
		}
	} else {
		// squeue exits non-zero for ids it has already purged.
		s.logger.Debug("Queue lookup failed, falling back to accounting", zap.String("job_id", jobID), zap.Error(err))
	}

	out, err = s.run(ctx, s.cfg.Commands.Account, "-j", jobID, "--format=JobID,State", "--noheader", "--parsable2")
	if err != nil {
		s.logger.Warn("Accounting lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return StatusUnknown
	}
	return parseAccounting(out, jobID)
}

// parseAccounting picks the job's own line from sacct output, skipping the
// .batch and .extern step entries.
func parseAccounting(out []byte, jobID string) RawStatus {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(strings.TrimSpace(sc.Text()), "|")
		if len(parts) < 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != jobID {
			continue
		}
		return NormalizeState(parts[1])
	}
	return StatusUnknown
}

// QueueIDs implements Gateway.
func (s *Slurm) QueueIDs(ctx context.Context) (map[string]struct{}, error) {
	out, err := s.run(ctx, s.cfg.Commands.Queue, s.queueArgs("%i")...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	ids := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// QueueJobs implements Gateway.
func (s *Slurm) QueueJobs(ctx context.Context) ([]QueuedJob, error) {
	out, err := s.run(ctx, s.cfg.Commands.Queue, s.queueArgs("%i|%j|%T")...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	var jobs []QueuedJob
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.SplitN(strings.TrimSpace(sc.Text()), "|", 3)
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		j := QueuedJob{ID: parts[0], Name: parts[1], State: StatusUnknown}
		if len(parts) == 3 {
			j.State = NormalizeState(parts[2])
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Cancel implements Gateway.
func (s *Slurm) Cancel(ctx context.Context, jobID string) error {
	if _, err := s.run(ctx, s.cfg.Commands.Cancel, jobID); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	s.logger.Info("Cancelled job", zap.String("job_id", jobID))
	return nil
}

func (s *Slurm) queueArgs(format string) []string {
	args := []string{"-h", "-o", format}
	if s.cfg.User != "" {
		args = append(args, "-u", s.cfg.User)
	}
	return args
}

func (s *Slurm) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	out, err := s.runner.Run(ctx, name, args...)
	if err != nil && errors.Is(err, ErrSchedulerNotFound) {
		s.logger.Warn("Scheduler command not found", zap.String("command", name))
	}
	return out, err
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			return l
		}
	}
	return ""
}

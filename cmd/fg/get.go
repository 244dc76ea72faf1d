package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Witriol/filegetter/internal/app"
	"github.com/Witriol/filegetter/internal/config"
	"github.com/Witriol/filegetter/internal/getter"
	"github.com/Witriol/filegetter/internal/log"
)

func getCmd() *cobra.Command {
	var (
		digest    string
		target    string
		cache     string
		keepCache bool
	)
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch, verify and expand one archive in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if digest == "" || target == "" {
				return fmt.Errorf("--digest and --target are required")
			}
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Verbose = cfg.Verbose || flagVerbose
			var logOut io.Writer = io.Discard
			if cfg.Verbose {
				logOut = os.Stderr
			}
			logger := log.New(cfg.Verbose, logOut)
			slog.SetDefault(logger)

			targetDir, err := filepath.Abs(target)
			if err != nil {
				return err
			}
			cacheDir, err := resolveCacheDir(cache)
			if err != nil {
				return err
			}

			job := getter.NewJob(uuid.NewString(), args[0], digest, cacheDir, targetDir)
			job.RemoveCacheOnSuccess = !keepCache
			return runJob(cfg, job, newProgressPrinter(os.Stdout), getter.LogObserver{Logger: logger})
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "expected MD5, SHA1 or SHA256 hex digest")
	cmd.Flags().StringVar(&target, "target", "", "directory to expand the archive into")
	cmd.Flags().StringVar(&cache, "cache", "", "directory for the downloaded archive (default user cache dir)")
	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "keep the downloaded archive after a successful expand")
	return cmd
}

func resolveCacheDir(cache string) (string, error) {
	if cache != "" {
		return filepath.Abs(cache)
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "filegetter"), nil
}

// runJob executes job and blocks until it reaches a terminal state. The
// first interrupt cancels the job; a second one abandons it.
func runJob(cfg config.Config, job *getter.Job, printer *progressPrinter, extra getter.Observer) error {
	pipeline := app.New(cfg)
	defer pipeline.Close()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if err := pipeline.Executor.Execute(job, getter.Observers{printer, extra}); err != nil {
		return err
	}

	interrupted := false
	for {
		select {
		case final := <-printer.done:
			if final != getter.StateSuccess {
				return exitError{state: final.String()}
			}
			for _, name := range job.TargetFiles() {
				fmt.Fprintf(printer.out, "  %s\n", filepath.Join(job.TargetDir, name))
			}
			return nil
		case <-sig:
			if interrupted {
				return exitError{state: "INTERRUPTED"}
			}
			interrupted = true
			if !pipeline.Executor.Cancel(job.ID) {
				printer.note("job cannot be canceled now; interrupt again to abandon it")
			}
		}
	}
}

// progressPrinter renders a job on a terminal, redrawing a single progress
// line. On other writers only state changes are printed.
type progressPrinter struct {
	out  *os.File
	tty  bool
	pal  palette
	done chan getter.State

	mu    sync.Mutex
	drawn bool
}

func newProgressPrinter(out *os.File) *progressPrinter {
	return &progressPrinter{
		out:  out,
		tty:  isTerminal(out),
		pal:  newPalette(out),
		done: make(chan getter.State, 1),
	}
}

func (p *progressPrinter) OnJobState(id string, state getter.State, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLine()
	line := p.pal.state(state.String())
	if message != "" {
		line += " " + message
	}
	fmt.Fprintln(p.out, line)
	if state.Terminal() {
		select {
		case p.done <- state:
		default:
		}
	}
}

func (p *progressPrinter) OnJobProgress(id string, state getter.State, progress int64) {
	if !p.tty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r\033[K  %s %s", p.pal.state(state.String()), formatProgress(state.String(), progress))
	p.drawn = true
}

func (p *progressPrinter) note(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLine()
	fmt.Fprintln(p.out, msg)
}

func (p *progressPrinter) clearLine() {
	if p.drawn {
		fmt.Fprint(p.out, "\r\033[K")
		p.drawn = false
	}
}

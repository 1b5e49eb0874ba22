package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/joescharf/triage/internal/api"
	"github.com/joescharf/triage/internal/daemon"
)

const (
	serveShutdownTimeout = 10 * time.Second
	serveStopTimeout     = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API server in the foreground",
	Long: `Run the issue REST API in the foreground.
By default it listens on port 8080. Use --port to change it.

Only one server may run per state directory. Use "triage serve start" to
run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the API server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file tracking the API server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "triage-serve.pid"))
}

// serveLogPath returns the server log file, defaulting to the state dir.
func serveLogPath() string {
	if p := viper.GetString("log.file"); p != "" {
		return p
	}
	return filepath.Join(viper.GetString("state_dir"), "triage-serve.log")
}

// newServeLogger writes JSON logs to a rotated file and to w.
func newServeLogger(w io.Writer) (*slog.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   serveLogPath(),
		MaxSize:    viper.GetInt("log.max_size_mb"),
		MaxBackups: viper.GetInt("log.max_backups"),
	}
	h := slog.NewJSONHandler(io.MultiWriter(rotator, w), &slog.HandlerOptions{Level: logLevel()})
	return slog.New(h), rotator
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pf := pidFile()
	if err := os.MkdirAll(filepath.Dir(pf.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrLocked) {
			return fmt.Errorf("server already running (lock %s)", pf.LockPath())
		}
		return err
	}
	defer func() { _ = pf.Release() }()

	logger, closer := newServeLogger(os.Stderr)
	defer closer.Close()

	r, err := getRepository()
	if err != nil {
		return err
	}

	userID, userEmail := currentUser()
	srv := api.NewServer(r, api.User{ID: userID, Email: userEmail}, viper.GetInt("similar.limit"), logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr, "pid", os.Getpid())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("api server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}
	if pf.Held() {
		return fmt.Errorf("server already running (lock %s)", pf.LockPath())
	}

	if dryRun {
		ui.DryRunMsg("Would start API server on port %d", viper.GetInt("port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{"serve", "--port", fmt.Sprintf("%d", viper.GetInt("port"))}
	if f := viper.ConfigFileUsed(); f != "" {
		args = append(args, "--config", f)
	}
	child := exec.Command(exe, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("API server started (PID %d) on port %d", pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop API server (PID %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}

	deadline := time.Now().Add(serveStopTimeout)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			ui.Success("API server stopped (PID %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Server did not exit in %s, killing", serveStopTimeout)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	ui.Success("API server killed (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("API server is not running")
		return nil
	}
	ui.Success("API server is running (PID %d)", pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

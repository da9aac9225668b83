package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/EternisAI/remote-control/internal/command"
)

const (
	DefaultListCap       = 1000
	DefaultShutdownDelay = 60 * time.Second
)

// Executor performs the OS side of each command. Returning a
// *command.ErrorDetail selects the failure code; any other error is reported
// as an execution failure.
type Executor interface {
	OpenApp(ctx context.Context, app string, args []string) (*command.AppLaunch, error)
	ListDirectory(ctx context.Context, path string) (*command.DirectoryListing, error)
	// ScheduleShutdown arranges a shutdown and returns without waiting for
	// it. A nil delay selects the executor's default.
	ScheduleShutdown(ctx context.Context, delaySeconds *uint32) (*command.ShutdownSchedule, error)
}

type ExecutorConfig struct {
	// Apps maps the names clients may ask for to command lines.
	Apps                 map[string]string
	ListRoot             string
	ListCap              int
	DefaultShutdownDelay time.Duration
	Shutdowner           Shutdowner
}

// OSExecutor runs commands against the local operating system.
type OSExecutor struct {
	apps      map[string][]string
	listRoot  string
	listCap   int
	scheduler *shutdownScheduler
	delay     time.Duration
	start     func(name string, args []string) (int, error)
}

func NewOSExecutor(cfg ExecutorConfig) *OSExecutor {
	apps := cfg.Apps
	if len(apps) == 0 {
		apps = DefaultApps()
	}
	parsed := make(map[string][]string, len(apps))
	for name, line := range apps {
		if fields := strings.Fields(line); len(fields) > 0 {
			parsed[strings.ToLower(name)] = fields
		}
	}

	listCap := cfg.ListCap
	if listCap <= 0 {
		listCap = DefaultListCap
	}
	delay := cfg.DefaultShutdownDelay
	if delay <= 0 {
		delay = DefaultShutdownDelay
	}
	shutdowner := cfg.Shutdowner
	if shutdowner == nil {
		shutdowner = SystemShutdowner{}
	}

	root := ""
	if cfg.ListRoot != "" {
		root = filepath.Clean(cfg.ListRoot)
	}

	return &OSExecutor{
		apps:      parsed,
		listRoot:  root,
		listCap:   listCap,
		scheduler: newShutdownScheduler(shutdowner),
		delay:     delay,
		start:     startDetached,
	}
}

// DefaultApps is the launch whitelist used when none is configured.
func DefaultApps() map[string]string {
	switch runtime.GOOS {
	case "windows":
		return map[string]string{
			"notepad":    "notepad.exe",
			"calculator": "calc.exe",
			"explorer":   "explorer.exe",
		}
	case "darwin":
		return map[string]string{
			"notepad":    "open -a TextEdit",
			"calculator": "open -a Calculator",
		}
	default:
		return map[string]string{
			"notepad":    "gedit",
			"calculator": "gnome-calculator",
		}
	}
}

func (e *OSExecutor) OpenApp(_ context.Context, app string, args []string) (*command.AppLaunch, error) {
	line, ok := e.apps[strings.ToLower(app)]
	if !ok {
		return nil, &command.ErrorDetail{
			Code:    command.CodeUnauthorized,
			Message: fmt.Sprintf("application %q is not allowed", app),
		}
	}

	argv := append(append([]string{}, line[1:]...), args...)
	pid, err := e.start(line[0], argv)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", line[0], err)
	}

	exe := filepath.Base(line[0])
	slog.Info("Application started", "app", app, "executable", exe, "pid", pid)
	return &command.AppLaunch{
		PID:     uint32(pid),
		Message: fmt.Sprintf("%s started successfully", exe),
	}, nil
}

func startDetached(name string, args []string) (int, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

func (e *OSExecutor) ListDirectory(_ context.Context, path string) (*command.DirectoryListing, error) {
	dir, err := e.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &command.ErrorDetail{Code: command.CodeExecutionFailed, Message: fmt.Sprintf("directory %s does not exist", path)}
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, &command.ErrorDetail{Code: command.CodeInvalidArgument, Message: fmt.Sprintf("%s is not a directory", path)}
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

	listing := &command.DirectoryListing{Path: path}
	if len(dirEntries) > 0 {
		listing.Entries = make([]command.DirEntry, 0, min(len(dirEntries), e.listCap))
	}
	if len(dirEntries) > e.listCap {
		dirEntries = dirEntries[:e.listCap]
		listing.Truncated = true
	}

	for _, de := range dirEntries {
		entry := command.DirEntry{Name: de.Name(), IsDir: de.IsDir()}
		if fi, err := de.Info(); err == nil {
			entry.ModTime = fi.ModTime().UTC()
			if !fi.IsDir() {
				entry.Size = fi.Size()
			}
		}
		listing.Entries = append(listing.Entries, entry)
	}
	return listing, nil
}

// resolve confines path to the configured root. Without a root any absolute
// path is accepted.
func (e *OSExecutor) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if e.listRoot == "" {
		if !filepath.IsAbs(path) {
			return "", &command.ErrorDetail{Code: command.CodeInvalidArgument, Message: "path must be absolute"}
		}
		return filepath.Clean(path), nil
	}

	rel := strings.TrimPrefix(filepath.ToSlash(path), "/")
	abs := filepath.Clean(filepath.Join(e.listRoot, filepath.FromSlash(rel)))
	check, err := filepath.Rel(e.listRoot, abs)
	if err != nil {
		return "", &command.ErrorDetail{Code: command.CodeInvalidArgument, Message: "invalid path"}
	}
	if check == ".." || strings.HasPrefix(check, ".."+string(os.PathSeparator)) {
		return "", &command.ErrorDetail{Code: command.CodeUnauthorized, Message: "path escapes the listing root"}
	}
	return abs, nil
}

func (e *OSExecutor) ScheduleShutdown(_ context.Context, delaySeconds *uint32) (*command.ShutdownSchedule, error) {
	delay := e.delay
	if delaySeconds != nil {
		delay = time.Duration(*delaySeconds) * time.Second
	}
	at := e.scheduler.schedule(delay)
	return &command.ShutdownSchedule{ScheduledAt: at.UTC()}, nil
}

// CancelShutdown stops a scheduled shutdown and reports whether one was pending.
func (e *OSExecutor) CancelShutdown() bool {
	return e.scheduler.cancel()
}

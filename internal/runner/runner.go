package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/procs"
)

// LogSink receives every raw output line for the project log.
type LogSink interface {
	AppendLog(projectID, message string)
}

// ProcessFailedError reports a subprocess that exited nonzero.
type ProcessFailedError struct {
	Command  string
	ExitCode int
}

// Error formats the failure for logs and project error messages.
func (e *ProcessFailedError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// Runner launches external tools, streams their merged stdout/stderr
// line-by-line into a handler and the project log, and registers the
// process handle for cancellation. Run blocks until the subprocess exits:
// stage sequencing is synchronous per project by design.
type Runner struct {
	registry       *procs.Registry
	logs           LogSink
	log            *logger.Logger
	libTorchLibDir string
}

// New builds a runner. libTorchLibDir, when set, is prepended to
// LD_LIBRARY_PATH for every invocation.
func New(registry *procs.Registry, logs LogSink, log *logger.Logger, libTorchLibDir string) *Runner {
	return &Runner{
		registry:       registry,
		logs:           logs,
		log:            log.With("component", "command-runner"),
		libTorchLibDir: libTorchLibDir,
	}
}

// Run executes argv for the given project. Each output line is passed to
// onLine (best-effort: a panic inside the handler is logged, never aborts
// the run) and always appended raw to the project log. A nonzero exit
// yields a ProcessFailedError.
func (r *Runner) Run(projectID string, argv []string, cwd string, onLine func(string)) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	pretty := strings.Join(argv, " ")
	if cwd != "" {
		r.logs.AppendLog(projectID, fmt.Sprintf("$ (cd %s) %s", cwd, pretty))
	} else {
		r.logs.AppendLog(projectID, "$ "+pretty)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = r.overlayEnv()

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	proc := newCmdProcess(cmd)
	r.registry.Register(projectID, proc)
	defer r.registry.Unregister(projectID)

	// Unblock the scanner once the process has exited.
	go func() {
		<-proc.Done()
		_ = pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if onLine != nil {
			r.invokeLineHandler(projectID, onLine, line)
		}
		r.logs.AppendLog(projectID, line)
	}

	<-proc.Done()
	if err := proc.WaitErr(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ProcessFailedError{Command: argv[0], ExitCode: exitCode}
	}
	return nil
}

// invokeLineHandler shields the run loop from handler panics.
func (r *Runner) invokeLineHandler(projectID string, onLine func(string), line string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("line handler panicked", "projectID", projectID, "error", recovered)
			r.logs.AppendLog(projectID, fmt.Sprintf("[line handler error] %v", recovered))
		}
	}()
	onLine(line)
}

// overlayEnv merges the process environment with the fixed headless
// rendering variables and library search paths the external tools need.
func (r *Runner) overlayEnv() []string {
	env := os.Environ()
	if r.libTorchLibDir != "" {
		ldPath := r.libTorchLibDir
		if existing := os.Getenv("LD_LIBRARY_PATH"); existing != "" {
			ldPath = ldPath + ":" + existing
		}
		env = setEnv(env, "LD_LIBRARY_PATH", ldPath)
	}
	env = setEnv(env, "QT_QPA_PLATFORM", "offscreen")
	env = setEnv(env, "DISPLAY", "")
	env = setEnv(env, "LIBGL_ALWAYS_SOFTWARE", "1")
	env = setEnv(env, "MESA_GL_VERSION_OVERRIDE", "3.3")
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// cmdProcess adapts exec.Cmd to the registry's Process interface. Wait is
// owned here and called exactly once.
type cmdProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func newCmdProcess(cmd *exec.Cmd) *cmdProcess {
	p := &cmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.waitErr = err
		close(p.done)
	}()
	return p
}

// Terminate sends SIGTERM for a graceful shutdown.
func (p *cmdProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcefully ends the process.
func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Done is closed once the process has exited.
func (p *cmdProcess) Done() <-chan struct{} { return p.done }

// WaitErr returns the exit error after Done is closed.
func (p *cmdProcess) WaitErr() error {
	<-p.done
	return p.waitErr
}

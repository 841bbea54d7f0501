package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/session"
	"github.com/roach88/shellprobe/internal/template"
	"github.com/roach88/shellprobe/internal/testutil"
	"github.com/roach88/shellprobe/internal/transport"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger passed to sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout sets the per-envelope response timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithSettle sets the quiet period checked after each validated request.
func WithSettle(d time.Duration) Option {
	return func(r *Runner) { r.settle = d }
}

// WithIDGenerator sets a factory for per-run request ID generators.
func WithIDGenerator(newGen func() session.IDGenerator) Option {
	return func(r *Runner) { r.newIDs = newGen }
}

// WithDeterministicIDs numbers request IDs "<prefix>-1", "<prefix>-2", ...
// starting afresh for every run.
func WithDeterministicIDs(prefix string) Option {
	return WithIDGenerator(func() session.IDGenerator {
		return session.NewSequentialGenerator(prefix)
	})
}

// Runner executes scripts. A Runner is safe for concurrent use; each Run
// gets its own session and trace clock.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	settle  time.Duration
	newIDs  func() session.IDGenerator
}

// NewRunner creates a runner with UUIDv7 request IDs and the default timeout.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: session.DefaultTimeout,
		newIDs:  func() session.IDGenerator { return session.UUIDv7Generator{} },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes script over conn, stopping at the first failing step.
//
// Failures never abort the caller: they are recorded in the Result along
// with the trace up to that point.
func (r *Runner) Run(ctx context.Context, script *Script, conn transport.Conn) *Result {
	result := NewResult(script.Name)
	clock := testutil.NewDeterministicClock()

	sess := session.New(conn,
		session.WithLogger(r.logger.With("script", script.Name)),
		session.WithIDGenerator(r.newIDs()),
		session.WithTimeout(r.timeout),
		session.WithSettle(r.settle),
		session.WithObserver(func(ev session.Event) {
			result.addEvent(ev, clock.Next())
		}),
	)

	x := &execution{runner: r, sess: sess}
	if script.Path != "" {
		if abs, err := filepath.Abs(script.Path); err == nil {
			x.stack = append(x.stack, abs)
		}
	}

	if err := x.script(ctx, script); err != nil {
		result.Fail(err)
		r.logger.Debug("script failed", "script", script.Name, "error", err)
	}
	result.Tokens = sess.Tokens().Snapshot()
	return result
}

// execution is the state of one Run, shared by included scripts.
type execution struct {
	runner *Runner
	sess   *session.Session

	// stack holds the absolute paths of the scripts being executed.
	stack []string
}

func (x *execution) script(ctx context.Context, s *Script) error {
	if err := x.setTokens(s.Tokens); err != nil {
		return &StepError{Script: s.Name, Step: "tokens", Err: err}
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		if err := ctx.Err(); err != nil {
			return &StepError{Script: s.Name, Step: step.Label(i), Err: err}
		}
		if err := x.step(ctx, s, step); err != nil {
			return &StepError{Script: s.Name, Step: step.Label(i), Err: err}
		}
	}
	return nil
}

func (x *execution) setTokens(values map[string]template.Template) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := template.Resolve(values[k], x.sess)
		if err != nil {
			return fmt.Errorf("token %q: %w", k, err)
		}
		if err := x.sess.Tokens().Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) step(ctx context.Context, s *Script, step *Step) error {
	switch step.Action() {
	case ActionSend:
		return x.send(ctx, step)
	case ActionSet:
		return x.setTokens(step.Set)
	case ActionValidateLast:
		return x.sess.ValidateLastResponse(*step.ValidateLast)
	case ActionExecute:
		return x.execute(ctx, s, step.Execute)
	case ActionLog:
		x.sess.Log(step.Log)
		return nil
	}
	return fmt.Errorf("step has no single action")
}

func (x *execution) send(ctx context.Context, step *Step) error {
	args, err := template.ResolveObject(step.Send.Args, x.sess)
	if err != nil {
		return fmt.Errorf("args: %w", err)
	}

	req := envelope.Request{
		Request:   step.Send.Request,
		Command:   step.Send.Command,
		Args:      args,
		RequestID: step.Send.RequestID,
	}

	if step.Expect == nil {
		_, err := x.sess.Send(ctx, req)
		return err
	}
	_, err = x.sess.SendAndValidate(ctx, req, step.Expect)
	return err
}

func (x *execution) execute(ctx context.Context, parent *Script, target string) error {
	path, err := includePath(parent, target)
	if err != nil {
		return err
	}
	if slices.Contains(x.stack, path) {
		return &LoadError{Code: ErrCodeInclude, Path: path, Message: "include cycle"}
	}

	sub, err := LoadScript(path)
	if err != nil {
		return err
	}

	x.stack = append(x.stack, path)
	defer func() { x.stack = x.stack[:len(x.stack)-1] }()

	return x.script(ctx, sub)
}

// includePath resolves an execute target relative to the including script.
func includePath(parent *Script, target string) (string, error) {
	path := target
	if !filepath.IsAbs(path) && parent.Path != "" {
		path = filepath.Join(filepath.Dir(parent.Path), path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &LoadError{Code: ErrCodeInclude, Path: target, Message: err.Error()}
	}
	return abs, nil
}

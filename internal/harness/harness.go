// Package harness turns a claimed job into a sandboxed execution: it
// materializes a workspace, drives the compile and run containers through
// the runtime port, and decodes the runner's result protocol.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/observability"
	"github.com/codeclash/exec-engine/pkg/streamx"
)

// compileWallCap bounds the compile container regardless of the job's own
// time limit.
const compileWallCap = 30 * time.Second

// runWallSlack is added on top of the per-test budget for interpreter and
// container startup overhead.
const runWallSlack = 5 * time.Second

// Request carries everything the harness needs to execute one submission.
type Request struct {
	SubmissionID  string
	Language      string
	Code          []byte
	TimeLimitMS   int64
	MemoryLimitKB int64
	TestCases     []domain.TestCase
}

// Harness executes submissions inside sandbox containers.
type Harness struct {
	runtime domain.Runtime
	plans   *Plans
	base    string
}

// New builds a harness rooted at the given workspace base directory.
func New(rt domain.Runtime, plans *Plans, workspaceBase string) *Harness {
	return &Harness{runtime: rt, plans: plans, base: workspaceBase}
}

// Execute runs one submission end to end. Compile errors and judged
// failures come back inside the result; a non-nil error means the engine
// itself failed and the job is retryable.
func (h *Harness) Execute(ctx context.Context, req Request) (domain.ExecutionResult, error) {
	log := observability.LoggerFromContext(ctx)

	plan, err := h.plans.For(req.Language)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	ws, err := NewWorkspace(h.base, req.SubmissionID)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=harness.execute: %w: %v", domain.ErrInternal, err)
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			log.Warn("workspace cleanup failed", "dir", ws.Dir, "error", cerr)
		}
	}()

	if err := ws.WriteSource(plan.Source, req.Code); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=harness.execute: %w: %v", domain.ErrInternal, err)
	}
	if len(req.TestCases) > 0 {
		if err := ws.WriteTests(req.TestCases); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("op=harness.execute: %w: %v", domain.ErrInternal, err)
		}
	}

	if len(plan.Compile) > 0 {
		res, done, err := h.compile(ctx, plan, ws, req)
		if err != nil || done {
			return res, err
		}
	}

	return h.run(ctx, plan, ws, req)
}

// compile runs the build container. done is true when the result is final
// (compile failure or timeout).
func (h *Harness) compile(ctx context.Context, plan Plan, ws *Workspace, req Request) (domain.ExecutionResult, bool, error) {
	spec := domain.SandboxSpec{
		Image:        plan.Image,
		Cmd:          plan.Compile,
		WorkspaceDir: ws.Dir,
		WorkdirRO:    false,
		CPUSeconds:   int64(compileWallCap / time.Second),
		MemoryBytes:  compileMemoryBytes(req.MemoryLimitKB),
		PidsLimit:    50,
	}
	out, err := h.runPhase(ctx, spec, compileWallCap)
	if err != nil {
		return domain.ExecutionResult{}, false, err
	}
	if out.timedOut {
		return domain.ExecutionResult{
			CompileError:    true,
			Error:           "compilation timed out",
			ExitCode:        int(out.exitCode),
			ExecutionTimeMS: out.durationMS,
		}, true, nil
	}
	if out.exitCode != 0 {
		return domain.ExecutionResult{
			CompileError:    true,
			Error:           streamx.TruncateString(streamx.SanitizeText(string(out.stderr)), maxPayloadBytes),
			ExitCode:        int(out.exitCode),
			ExecutionTimeMS: out.durationMS,
		}, true, nil
	}
	return domain.ExecutionResult{}, false, nil
}

// run executes the run container and decodes its result.
func (h *Harness) run(ctx context.Context, plan Plan, ws *Workspace, req Request) (domain.ExecutionResult, error) {
	tests := int64(len(req.TestCases))
	if tests == 0 {
		tests = 1
	}
	wall := time.Duration(req.TimeLimitMS*tests)*time.Millisecond + runWallSlack

	spec := domain.SandboxSpec{
		Image:        plan.Image,
		Cmd:          plan.Run,
		WorkspaceDir: ws.Dir,
		WorkdirRO:    true,
		CPUSeconds:   (req.TimeLimitMS + 999) / 1000,
		MemoryBytes:  req.MemoryLimitKB * 1024,
		PidsLimit:    50,
	}
	out, err := h.runPhase(ctx, spec, wall)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	res := ParseResult(out.stdout, out.stderr, int(out.exitCode))
	if res.ExecutionTimeMS == 0 {
		res.ExecutionTimeMS = out.durationMS
	}
	if res.MemoryUsedKB == 0 {
		res.MemoryUsedKB = out.peakKB
	}
	if out.timedOut || out.exitCode == 124 {
		res.TimedOut = true
		res.Success = false
	}
	if out.exitCode == 137 && req.MemoryLimitKB > 0 && out.peakKB >= req.MemoryLimitKB {
		res.MemoryExceeded = true
		res.Success = false
	}
	return res, nil
}

type phaseOutput struct {
	exitCode   int64
	stdout     []byte
	stderr     []byte
	timedOut   bool
	durationMS int64
	peakKB     int64
}

// runPhase drives one container through create/start/wait/collect/remove
// with a wall-clock cap. The container is always removed.
func (h *Harness) runPhase(ctx context.Context, spec domain.SandboxSpec, wall time.Duration) (phaseOutput, error) {
	var out phaseOutput

	id, err := h.runtime.Create(ctx, spec)
	if err != nil {
		return out, fmt.Errorf("op=harness.phase: %w: %v", domain.ErrInternal, err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := h.runtime.Remove(removeCtx, id); rerr != nil {
			observability.LoggerFromContext(ctx).Warn("sandbox remove failed", "container", id, "error", rerr)
		}
	}()

	start := time.Now()
	if err := h.runtime.Start(ctx, id); err != nil {
		return out, fmt.Errorf("op=harness.phase: %w: %v", domain.ErrInternal, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()
	exit, waitErr := h.runtime.Wait(waitCtx, id)
	if waitErr != nil {
		if ctx.Err() != nil {
			// Caller cancellation, not the wall cap. The job is unfinished,
			// not over its time limit; report it retryable so the message is
			// redelivered. Forced removal tears the container down.
			return out, fmt.Errorf("op=harness.phase: execution aborted: %w", ctx.Err())
		}
		if !errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("op=harness.phase: %w: %v", domain.ErrInternal, waitErr)
		}
		// Wall cap hit: kill and settle before collecting output.
		out.timedOut = true
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		if kerr := h.runtime.Kill(killCtx, id); kerr != nil {
			observability.LoggerFromContext(ctx).Warn("sandbox kill failed", "container", id, "error", kerr)
		}
		exit, _ = h.runtime.Wait(killCtx, id)
	}
	out.exitCode = exit
	out.durationMS = time.Since(start).Milliseconds()

	collectCtx, collectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer collectCancel()
	stdout, stderr, logErr := h.runtime.Logs(collectCtx, id, maxRawBytes)
	if logErr != nil {
		return out, fmt.Errorf("op=harness.phase: %w: %v", domain.ErrInternal, logErr)
	}
	out.stdout = stdout
	out.stderr = stderr

	if peak, perr := h.runtime.PeakMemoryKB(collectCtx, id); perr == nil {
		out.peakKB = peak
	}
	return out, nil
}

// compileMemoryBytes gives the build container headroom above the job's run
// limit; toolchains routinely need more than the program under test.
func compileMemoryBytes(memoryLimitKB int64) int64 {
	const floor = 512 << 20
	b := memoryLimitKB * 1024
	if b < floor {
		return floor
	}
	return b
}

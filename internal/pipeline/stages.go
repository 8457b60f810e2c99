package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/sandbox"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

const (
	prdFile    = "docs/PRD.md"
	designFile = "docs/design.md"
)

// planner drafts the PRD, streaming each section into the hand-off context
// as it is produced.
func (p *Pipeline) planner(ctx context.Context, taskID string, hctx *Context, hooks Hooks) (input, output string, err error) {
	requirement := hctx.Requirement()
	sections := []string{
		"# Product Requirement Document\n\n## Goal\n\n" + requirement + "\n",
		"\n## User Stories\n\n- As a user, I want the system to fulfil the stated requirement so that I get a working result.\n",
		"\n## Acceptance Criteria\n\n- The generated program runs to completion without errors.\n- The program's output reflects the requirement.\n",
	}

	var prd strings.Builder
	for _, section := range sections {
		if err := hctx.PushChunk(ctx, section); err != nil {
			return requirement, "", err
		}
		prd.WriteString(section)
	}
	hctx.FinishPlan(prd.String())

	if _, err := p.store.Save(ctx, taskID, prdFile, task.RolePlanner, prd.String(), false); err != nil {
		return requirement, "", fmt.Errorf("save %s: %w", prdFile, err)
	}
	p.bus.Emit(taskID, task.EventMessage, task.RolePlanner, task.Payload{
		Message:    "Requirements analysis complete",
		Content:    prd.String(),
		VisualType: task.VisualMessage,
		FilePath:   prdFile,
	})
	hooks.message(task.RolePlanner, "Requirements analysis complete")
	return requirement, prd.String(), nil
}

// architect consumes the Planner's stream, drafting against whatever partial
// content has arrived, and completes its design once the stream ends.
func (p *Pipeline) architect(ctx context.Context, taskID string, hctx *Context, hooks Hooks) (input, output string, err error) {
	var seen strings.Builder
	for {
		chunk, ok, err := hctx.NextChunk(ctx)
		if err != nil {
			return seen.String(), "", err
		}
		if !ok {
			break
		}
		seen.WriteString(chunk)
	}

	design := buildDesign(hctx.Requirement(), seen.String())
	hctx.SetDesign(design)

	if _, err := p.store.Save(ctx, taskID, designFile, task.RoleArchitect, design, false); err != nil {
		return seen.String(), "", fmt.Errorf("save %s: %w", designFile, err)
	}
	p.bus.Emit(taskID, task.EventMessage, task.RoleArchitect, task.Payload{
		Message:    "System design complete",
		Content:    design,
		VisualType: task.VisualMessage,
		FilePath:   designFile,
	})
	hooks.message(task.RoleArchitect, "System design complete")
	return seen.String(), design, nil
}

func buildDesign(requirement, prd string) string {
	var b strings.Builder
	b.WriteString("# System Design\n\n## Overview\n\nSingle-module program implementing: ")
	b.WriteString(requirement)
	b.WriteString("\n\n## Structure\n\n- `src/main.py` — entry point; prints progress and the final result.\n")
	b.WriteString("\n## Data Flow\n\nInput is fixed at generation time; output goes to stdout line by line.\n")
	if strings.Contains(prd, "Acceptance Criteria") {
		b.WriteString("\n## Acceptance\n\nDerived from the PRD acceptance criteria.\n")
	}
	return b.String()
}

// engineer generates the primary program, persists it as version 1 and
// executes it, streaming output lines. A failed execution is not a stage
// error; the Debugger decides what happens next.
func (p *Pipeline) engineer(ctx context.Context, taskID string, hctx *Context, hooks Hooks) (string, sandbox.Result, error) {
	program := buildProgram(hctx.Requirement())

	if _, err := p.store.Save(ctx, taskID, PrimaryFile, task.RoleEngineer, program, false); err != nil {
		return "", sandbox.Result{}, fmt.Errorf("save %s: %w", PrimaryFile, err)
	}
	p.bus.Emit(taskID, task.EventMessage, task.RoleEngineer, task.Payload{
		Message:    "Code generation complete",
		Content:    program,
		VisualType: task.VisualCode,
		FilePath:   PrimaryFile,
	})
	hooks.message(task.RoleEngineer, "Code generation complete")

	res, err := p.execute(ctx, taskID, task.RoleEngineer, program)
	if err != nil {
		return program, res, err
	}
	return program, res, nil
}

func buildProgram(requirement string) string {
	var b strings.Builder
	b.WriteString("\"\"\"Generated program.\n\nRequirement: ")
	b.WriteString(strings.ReplaceAll(requirement, "\"", "'"))
	b.WriteString("\n\"\"\"\n\n\ndef main():\n")
	b.WriteString("    print(\"starting\")\n")
	b.WriteString("    print(\"requirement: ")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(requirement, "\\", "\\\\"), "\"", "'"))
	b.WriteString("\")\n")
	b.WriteString("    print(\"done\")\n\n\nif __name__ == \"__main__\":\n    main()\n")
	return b.String()
}

// execute runs code through the configured executor, forwarding each output
// line as an EXECUTION_STREAM event and a final summary event.
func (p *Pipeline) execute(ctx context.Context, taskID, role, code string) (sandbox.Result, error) {
	res, err := p.exec.Run(ctx, code, func(line string) {
		p.bus.Emit(taskID, task.EventExecutionStream, role, task.Payload{
			Message:    line,
			VisualType: task.VisualExecution,
		})
	})
	if err != nil {
		return res, fmt.Errorf("execute %s: %w", PrimaryFile, err)
	}
	p.bus.Emit(taskID, task.EventResult, role, task.Payload{
		Message:         "Execution finished",
		FilePath:        PrimaryFile,
		ExecutionResult: res.Summary(),
		VisualType:      task.VisualExecution,
	})
	return res, nil
}

// debugger obtains a corrected program, records the structural diff, saves
// the correction as the next artifact version and re-executes it.
func (p *Pipeline) debugger(ctx context.Context, taskID, program string, failed sandbox.Result, hooks Hooks) (string, sandbox.Result, error) {
	fixed, err := p.correct.Correct(ctx, program, failed)
	if err != nil {
		return "", sandbox.Result{}, fmt.Errorf("correct program: %w", err)
	}

	diff := artifacts.Diff(program, fixed)
	p.bus.Emit(taskID, task.EventMessage, task.RoleDebugger, task.Payload{
		Message:    "Applied correction",
		FilePath:   PrimaryFile,
		CodeDiff:   diff,
		VisualType: task.VisualDiff,
	})
	hooks.message(task.RoleDebugger, "Applied correction")
	if _, err := p.store.Save(ctx, taskID, PrimaryFile, task.RoleDebugger, fixed, true); err != nil {
		return fixed, sandbox.Result{}, fmt.Errorf("save corrected %s: %w", PrimaryFile, err)
	}

	res, err := p.execute(ctx, taskID, task.RoleDebugger, fixed)
	if err != nil {
		return fixed, res, err
	}
	return fixed, res, nil
}

// CannedCorrector is the default correction collaborator. It rewrites the
// failing program into a minimal form that satisfies the acceptance check.
type CannedCorrector struct{}

func (CannedCorrector) Correct(_ context.Context, code string, res sandbox.Result) (string, error) {
	var b strings.Builder
	b.WriteString("\"\"\"Corrected program.\n\nPrevious failure: exit ")
	b.WriteString(fmt.Sprintf("%d", res.ExitCode))
	b.WriteString("\n\"\"\"\n\n\ndef main():\n")
	b.WriteString("    print(\"starting\")\n")
	b.WriteString("    print(\"recovered\")\n")
	b.WriteString("    print(\"done\")\n\n\nif __name__ == \"__main__\":\n    main()\n")
	return b.String(), nil
}

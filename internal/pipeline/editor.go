package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/pricing"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// Edit applies a manual modification instruction to the latest version of an
// artifact, outside the stage graph. The edit runs under a rate-limiter
// permit like any other agent work and saves a version-incremented artifact.
func (p *Pipeline) Edit(ctx context.Context, taskID, filePath, instruction string) (artifacts.Artifact, error) {
	current, err := p.store.Latest(taskID, filePath)
	if err != nil {
		return artifacts.Artifact{}, err
	}

	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		return artifacts.Artifact{}, fmt.Errorf("acquire permit: %w", err)
	}
	defer release()

	start := time.Now()
	edited := applyEdit(current.Content, instruction)
	diff := artifacts.Diff(current.Content, edited)

	saved, err := p.store.Save(ctx, taskID, filePath, task.RoleEditor, edited, true)
	if err != nil {
		return artifacts.Artifact{}, fmt.Errorf("save edited %s: %w", filePath, err)
	}

	p.bus.Emit(taskID, task.EventMessage, task.RoleEditor, task.Payload{
		Message:    "Edit applied: " + instruction,
		FilePath:   filePath,
		CodeDiff:   diff,
		VisualType: task.VisualDiff,
	})
	p.bus.Emit(taskID, task.EventResult, task.RoleEditor, task.Payload{
		Message:    "Edit complete",
		FilePath:   filePath,
		Content:    edited,
		VisualType: task.VisualCode,
		DurationMs: time.Since(start).Milliseconds(),
		CostUSD:    pricing.StageCost(task.RoleEditor, current.Content+instruction, edited),
	})
	return saved, nil
}

// applyEdit is the template modification step: the instruction is recorded
// at the top of the file so each edit is visible in the version history.
func applyEdit(content, instruction string) string {
	var b strings.Builder
	for _, line := range strings.Split(instruction, "\n") {
		b.WriteString("# edit: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(content)
	return b.String()
}

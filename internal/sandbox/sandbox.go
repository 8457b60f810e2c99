// Package sandbox executes generated programs in isolation. The local
// executor runs the interpreter directly; the docker executor runs it inside
// an ephemeral container with no network and a memory cap.
package sandbox

import (
	"context"
	"strconv"
	"strings"
)

// Result is the outcome of one program execution.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Summary renders the result as the single line attached to execution events.
func (r Result) Summary() string {
	var b strings.Builder
	if r.Succeeded() {
		b.WriteString("exit 0")
	} else {
		b.WriteString("exit ")
		b.WriteString(strconv.Itoa(r.ExitCode))
	}
	if out := strings.TrimSpace(r.Stdout); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		b.WriteString("\n")
		b.WriteString(errOut)
	}
	return b.String()
}

// Executor runs one source file worth of code. onLine receives each output
// line as it is observed; it may be nil.
type Executor interface {
	Run(ctx context.Context, code string, onLine func(line string)) (Result, error)
}

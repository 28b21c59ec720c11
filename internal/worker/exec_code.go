package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/playbook"
)

type inlineCodeExecutor struct {
	log *logger.Logger
}

func NewInlineCodeExecutor(baseLog *logger.Logger) Executor {
	return &inlineCodeExecutor{log: baseLog.With("executor", "inline_code")}
}

func (e *inlineCodeExecutor) Kind() string { return playbook.ActionInlineCode }

// Execute writes the code to a temp file and runs the runtime's interpreter
// in a subprocess. The job's input context arrives as JSON on stdin; stdout
// is parsed as JSON when it is JSON, kept as text otherwise. The subprocess
// inherits ctx, so cancellation kills it.
func (e *inlineCodeExecutor) Execute(ctx context.Context, spec *playbook.ActionSpec, input map[string]any) (any, error) {
	if strings.TrimSpace(spec.Code) == "" {
		return nil, fmt.Errorf("inline_code action requires code")
	}
	runtime := spec.Runtime
	if runtime == "" {
		runtime = "python"
	}
	var interpreter string
	var suffix string
	switch runtime {
	case "python", "python3":
		interpreter = "python3"
		suffix = "*.py"
	case "bash", "shell":
		interpreter = "bash"
		suffix = "*.sh"
	default:
		return nil, fmt.Errorf("unsupported runtime %q", runtime)
	}

	file, err := os.CreateTemp("", suffix)
	if err != nil {
		return nil, fmt.Errorf("create code file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.WriteString(spec.Code); err != nil {
		file.Close()
		return nil, fmt.Errorf("write code file: %w", err)
	}
	file.Close()

	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	cmd := exec.CommandContext(ctx, interpreter, file.Name())
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), "NOETL_INPUT="+string(stdin))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", runtime, msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	if parsed, jsonErr := decodeJSON([]byte(out)); jsonErr == nil {
		return parsed, nil
	}
	return out, nil
}

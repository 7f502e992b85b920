package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// CommandSpec describes a local process that answers prompts.
type CommandSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// CommandBackend runs one process per call. The request is written to stdin
// as a JSON object and the process answers with JSON lines on stdout:
//
//	{"type":"text","text":"..."}
//	{"type":"usage","prompt_tokens":12,"completion_tokens":40}
//	{"type":"error","kind":"rate_limit","message":"..."}
//
// Lines that are not JSON objects with a type are ignored.
type CommandBackend struct {
	Spec CommandSpec
}

// NewCommandBackend creates a backend for spec.
func NewCommandBackend(spec CommandSpec) *CommandBackend {
	return &CommandBackend{Spec: spec}
}

type commandRequest struct {
	Alias     string `json:"alias"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type commandEvent struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Kind             string `json:"kind"`
	Message          string `json:"message"`
}

// Invoke implements Invoker.
func (b *CommandBackend) Invoke(ctx context.Context, call Call) (Response, error) {
	start := time.Now()
	input, err := json.Marshal(commandRequest{
		Alias:     string(call.Alias),
		Model:     call.Model,
		System:    call.System,
		Prompt:    call.Prompt,
		MaxTokens: call.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode command request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Spec.Command, b.Spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range b.Spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Response{}, &InvokeError{Kind: KindNetwork, Message: fmt.Sprintf("start %s: %v", b.Spec.Command, err), Err: err}
	}

	var text strings.Builder
	var usage domain.TokenUsage
	var reported *InvokeError
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ev, ok := parseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		switch ev.Type {
		case "text":
			text.WriteString(ev.Text)
		case "usage":
			usage.PromptTokens = ev.PromptTokens
			usage.CompletionTokens = ev.CompletionTokens
		case "error":
			if reported == nil {
				reported = errorFromKind(ev.Kind, ev.Message)
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return Response{}, Classify(ctx.Err())
	}
	if reported != nil {
		return Response{}, reported
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return Response{}, &InvokeError{Kind: KindServer, Message: msg, Retryable: true, Err: waitErr}
	}
	if scanErr != nil {
		return Response{}, &InvokeError{Kind: KindInvalidResponse, Message: scanErr.Error(), Err: scanErr}
	}
	if text.Len() == 0 {
		return Response{}, &InvokeError{Kind: KindInvalidResponse, Message: "backend produced no text"}
	}

	if usage.PromptTokens == 0 {
		usage.PromptTokens = int64(router.EstimateTokens(call.System + call.Prompt))
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = int64(router.EstimateTokens(text.String()))
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return Response{
		Text:    text.String(),
		Model:   call.Model,
		Usage:   usage,
		Latency: time.Since(start),
	}, nil
}

// parseEvent decodes one stdout line.
func parseEvent(line []byte) (commandEvent, bool) {
	var ev commandEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return commandEvent{}, false
	}
	if ev.Type == "" {
		return commandEvent{}, false
	}
	return ev, true
}

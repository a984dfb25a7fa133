package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Script is the YAML form of a ScriptAgent.
//
//	id: demo
//	placeholder: Ask for a change
//	responses:
//	  - match: rename
//	    steps:
//	      - text: Renaming the variable.
//	      - edits:
//	          - range: {start: {line: 2, column: 5}, end: {line: 2, column: 8}}
//	            text: total
//	        delay: 50ms
type Script struct {
	ID           string         `yaml:"id"`
	Placeholder  string         `yaml:"placeholder,omitempty"`
	WholeRange   *types.Range   `yaml:"wholeRange,omitempty"`
	PrepareError string         `yaml:"prepareError,omitempty"`
	Decline      bool           `yaml:"decline,omitempty"`
	Responses    []ScriptedTurn `yaml:"responses"`
}

// ScriptedTurn answers every request whose message contains Match.
type ScriptedTurn struct {
	Match string `yaml:"match,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Step is one streamed action of a scripted response.
type Step struct {
	Text string `yaml:"text,omitempty"`
	// URI targets Edits at another document. Empty means the request document.
	URI      string           `yaml:"uri,omitempty"`
	Edits    []types.TextEdit `yaml:"edits,omitempty"`
	Move     *MoveStep        `yaml:"move,omitempty"`
	Delay    time.Duration    `yaml:"delay,omitempty"`
	Error    string           `yaml:"error,omitempty"`
	Filtered bool             `yaml:"filtered,omitempty"`
}

// MoveStep relocates the session.
type MoveStep struct {
	URI   string      `yaml:"uri"`
	Range types.Range `yaml:"range"`
}

// ScriptAgent replays canned responses. It backs the replay command and
// deterministic tests.
type ScriptAgent struct {
	script Script
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*ScriptAgent, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if s.ID == "" {
		s.ID = "script"
	}
	return &ScriptAgent{script: s}, nil
}

// LoadScript reads a YAML script from disk.
func LoadScript(path string) (*ScriptAgent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data)
}

// NewScriptAgent wraps an in-memory script.
func NewScriptAgent(s Script) *ScriptAgent {
	if s.ID == "" {
		s.ID = "script"
	}
	return &ScriptAgent{script: s}
}

func (a *ScriptAgent) ID() string { return a.script.ID }

func (a *ScriptAgent) Prepare(ctx context.Context, req *PrepareRequest) (*Prepared, error) {
	if a.script.PrepareError != "" {
		return nil, &Error{Message: a.script.PrepareError}
	}
	if a.script.Decline {
		return nil, nil
	}
	p := &Prepared{Placeholder: a.script.Placeholder}
	if a.script.WholeRange != nil {
		p.WholeRange = *a.script.WholeRange
	} else {
		p.WholeRange = req.Selection
	}
	return p, nil
}

func (a *ScriptAgent) Invoke(ctx context.Context, req *Request, sink Sink) error {
	turn := a.match(req.Message)
	if turn == nil {
		return &Error{Message: fmt.Sprintf("no scripted response for %q", req.Message)}
	}

	for _, step := range turn.Steps {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if step.Text != "" {
			sink.Text(step.Text)
		}
		if len(step.Edits) > 0 {
			uri := step.URI
			if uri == "" {
				uri = req.Document.URI
			}
			sink.Edits(uri, step.Edits)
		}
		if step.Move != nil {
			sink.Move(step.Move.URI, step.Move.Range)
		}
		if step.Error != "" {
			return &Error{Message: step.Error, Filtered: step.Filtered}
		}
	}
	return nil
}

func (a *ScriptAgent) match(message string) *ScriptedTurn {
	for i := range a.script.Responses {
		t := &a.script.Responses[i]
		if t.Match == "" || strings.Contains(message, t.Match) {
			return t
		}
	}
	return nil
}

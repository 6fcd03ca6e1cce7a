// Package decision turns raw model text into one of the four agent decisions.
// The payload's "action" field is the discriminant; aliases the model likes
// to invent are normalized before validation.
package decision

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/polychat/sandbox-worker/internal/shellsafe"
	"github.com/polychat/sandbox-worker/internal/taskerr"
)

// Actions the agent can take. Finish is the only success exit of the loop.
const (
	ActionRunCommand = "run_command"
	ActionReadFile   = "read_file"
	ActionUpdatePlan = "update_plan"
	ActionFinish     = "finish"
)

// Decision is one parsed agent decision. Only the fields of the matching
// action are meaningful.
type Decision struct {
	Action    string `json:"action"`
	Command   string `json:"command,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Path      string `json:"path,omitempty"`
	StartLine int    `json:"startLine,omitempty"`
	MaxLines  int    `json:"maxLines,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// actionAliases maps model-invented action names onto the canonical four.
var actionAliases = map[string]string{
	"execute_command": ActionRunCommand,
	"exec":            ActionRunCommand,
	"shell":           ActionRunCommand,
	"run":             ActionRunCommand,
	"read":            ActionReadFile,
	"open_file":       ActionReadFile,
	"plan":            ActionUpdatePlan,
	"set_plan":        ActionUpdatePlan,
	"done":            ActionFinish,
	"complete":        ActionFinish,
	"finished":        ActionFinish,
}

const excerptLimit = 200

// Parse extracts one decision from raw model text. JSON (optionally fenced,
// optionally slightly broken) is tried first; when that fails and exactly one
// shell command is extractable from the text, a run_command is synthesized.
// Anything else is a terminal parse failure.
func Parse(text string) (Decision, error) {
	candidate := extractJSONObject(text)
	if candidate != "" {
		if d, err := decode(candidate); err == nil {
			return d, nil
		} else if _, ok := err.(*invalidShape); ok {
			// The JSON decoded but the shape is wrong; the command fallback
			// would mask a structural problem, so fail here.
			return Decision{}, &taskerr.ResponseError{Msg: err.Error(), Excerpt: excerpt(text)}
		}
	}

	// Fallback: exactly one extractable command is unambiguous enough to
	// execute, fenced or not. Multi-line prose yields several candidates and
	// never reaches this branch; an unfenced candidate must additionally read
	// like a command, not a sentence.
	if commands := shellsafe.ExtractCommands(text); len(commands) == 1 {
		if strings.Contains(text, "```") || looksLikeCommand(commands[0]) {
			return Decision{Action: ActionRunCommand, Command: commands[0]}, nil
		}
	}
	return Decision{}, &taskerr.ResponseError{Msg: "could not parse agent decision", Excerpt: excerpt(text)}
}

// looksLikeCommand gates the unfenced fallback: the first token must read
// like a program name and the line must not end like a sentence.
func looksLikeCommand(s string) bool {
	if s == "" || len(s) > shellsafe.MaxCommandLength {
		return false
	}
	first := strings.Fields(s)[0]
	for _, r := range first {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.', r == '/', r == '-', r == '_':
		default:
			return false
		}
	}
	// A trailing period reads like a sentence; "./..." does not.
	if strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "...") {
		return false
	}
	switch s[len(s)-1] {
	case ',', '!', '?', ':':
		return false
	}
	return true
}

// invalidShape distinguishes "valid JSON, wrong shape" from undecodable text.
type invalidShape struct{ msg string }

func (e *invalidShape) Error() string { return e.msg }

func decode(candidate string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(candidate), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return Decision{}, err
		}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return Decision{}, err
		}
	}

	action := strings.ToLower(strings.TrimSpace(d.Action))
	if canonical, ok := actionAliases[action]; ok {
		action = canonical
	}
	d.Action = action

	switch action {
	case ActionRunCommand:
		if strings.TrimSpace(d.Command) == "" {
			return Decision{}, &invalidShape{"run_command decision is missing command"}
		}
	case ActionReadFile:
		if strings.TrimSpace(d.Path) == "" {
			return Decision{}, &invalidShape{"read_file decision is missing path"}
		}
	case ActionUpdatePlan:
		if strings.TrimSpace(d.Plan) == "" {
			return Decision{}, &invalidShape{"update_plan decision is missing plan"}
		}
	case ActionFinish:
		if strings.TrimSpace(d.Summary) == "" {
			return Decision{}, &invalidShape{"finish decision is missing summary"}
		}
	default:
		return Decision{}, &invalidShape{"unknown action: " + action}
	}
	return d, nil
}

// extractJSONObject returns the first balanced {...} block, preferring fenced
// code blocks over the raw text.
func extractJSONObject(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 && !strings.ContainsAny(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			if obj := balancedObject(rest[:end]); obj != "" {
				return obj
			}
		}
	}
	return balancedObject(text)
}

func balancedObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced; hand the tail to the repair pass.
	return s[start:]
}

func excerpt(text string) string {
	s := strings.TrimSpace(text)
	if len(s) > excerptLimit {
		return s[:excerptLimit] + "..."
	}
	return s
}

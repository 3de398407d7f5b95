package agentevent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// ClassifyItemType maps an agent item type onto a message kind. Matching is a
// case-insensitive substring test; the first rule that matches wins.
func ClassifyItemType(itemType string) wire.MessageKind {
	t := strings.ToLower(itemType)
	switch {
	case strings.Contains(t, "reasoning"):
		return wire.KindThinking
	case strings.Contains(t, "commandoutput"), strings.Contains(t, "shelloutput"):
		return wire.KindCommandOutput
	case strings.Contains(t, "command"), strings.Contains(t, "shellcommand"):
		return wire.KindCommand
	case strings.Contains(t, "filechange"), strings.Contains(t, "codechange"):
		return wire.KindFileChange
	default:
		return wire.KindAgent
	}
}

// Item is the subset of an app-server thread item the bridge renders.
type Item struct {
	ID               string       `json:"id"`
	Type             string       `json:"type"`
	Text             string       `json:"text,omitempty"`
	Command          commandLine  `json:"command,omitempty"`
	AggregatedOutput string       `json:"aggregatedOutput,omitempty"`
	ExitCode         *int         `json:"exitCode,omitempty"`
	Summary          textParts    `json:"summary,omitempty"`
	Content          textParts    `json:"content,omitempty"`
	Changes          []fileChange `json:"changes,omitempty"`
}

type fileChange struct {
	Path string `json:"path"`
	Kind any    `json:"kind,omitempty"`
}

// Kind classifies the item.
func (it Item) Kind() wire.MessageKind {
	return ClassifyItemType(it.Type)
}

// IsUserEcho reports items that repeat the user's own input.
func (it Item) IsUserEcho() bool {
	return strings.Contains(strings.ToLower(it.Type), "usermessage")
}

// PartialText is the placeholder shown while an item is in progress.
func (it Item) PartialText() string {
	if it.Kind() == wire.KindCommand {
		return "$ " + string(it.Command)
	}
	return it.Text
}

// FinalText renders the authoritative text of a completed item.
func (it Item) FinalText() string {
	switch it.Kind() {
	case wire.KindThinking:
		if it.Text != "" {
			return it.Text
		}
		if len(it.Summary) > 0 {
			return strings.Join(it.Summary, "\n")
		}
		return strings.Join(it.Content, "\n")
	case wire.KindCommand:
		out := "$ " + string(it.Command)
		if it.AggregatedOutput != "" {
			out += "\n" + strings.TrimRight(it.AggregatedOutput, "\n")
		}
		if it.ExitCode != nil && *it.ExitCode != 0 {
			out += fmt.Sprintf("\n[exit %d]", *it.ExitCode)
		}
		return out
	case wire.KindCommandOutput:
		if it.AggregatedOutput != "" {
			return it.AggregatedOutput
		}
		return it.Text
	case wire.KindFileChange:
		lines := make([]string, 0, len(it.Changes))
		for _, c := range it.Changes {
			lines = append(lines, strings.TrimSpace(changeKind(c.Kind)+" "+c.Path))
		}
		if len(lines) == 0 {
			return it.Text
		}
		return strings.Join(lines, "\n")
	default:
		return it.Text
	}
}

// changeKind accepts both "add" and {"type":"add"} shapes.
func changeKind(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case map[string]any:
		if t, ok := k["type"].(string); ok {
			return t
		}
	}
	return ""
}

// commandLine decodes a command given either as a string or an argv array.
type commandLine string

func (c *commandLine) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = commandLine(s)
		return nil
	}
	var argv []string
	if err := json.Unmarshal(b, &argv); err != nil {
		return nil
	}
	*c = commandLine(strings.Join(argv, " "))
	return nil
}

// textParts decodes a string, a list of strings or a list of {text} objects.
type textParts []string

func (p *textParts) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = textParts{s}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return nil
	}
	out := make(textParts, 0, len(list))
	for _, raw := range list {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			out = append(out, str)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
			out = append(out, obj.Text)
		}
	}
	*p = out
	return nil
}

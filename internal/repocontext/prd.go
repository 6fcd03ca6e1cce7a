package repocontext

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserStory is one entry of a product requirements document. Index ties the
// story back to its position in the source JSON array; Passes is the only
// field the story tracker ever rewrites.
type UserStory struct {
	Index              int      `json:"-"`
	ID                 string   `json:"id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Priority           *int     `json:"priority,omitempty"`
	Passes             bool     `json:"passes"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

// PrdContext is a parsed PRD plus where it came from.
type PrdContext struct {
	Path    string
	Stories []UserStory
	Raw     string
}

// ParsePrd decodes a prd.json document. The stories may sit at the top level
// as an array, or under a "stories"/"userStories" key.
func ParsePrd(path, raw string) (*PrdContext, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("prd file is empty")
	}

	var stories []UserStory
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &stories); err != nil {
			return nil, fmt.Errorf("parse prd: %w", err)
		}
	} else {
		var wrapper struct {
			Stories     []UserStory `json:"stories"`
			UserStories []UserStory `json:"userStories"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
			return nil, fmt.Errorf("parse prd: %w", err)
		}
		stories = wrapper.Stories
		if len(stories) == 0 {
			stories = wrapper.UserStories
		}
	}
	if len(stories) == 0 {
		return nil, fmt.Errorf("prd contains no stories")
	}
	for i := range stories {
		stories[i].Index = i
	}
	return &PrdContext{Path: path, Stories: stories, Raw: raw}, nil
}

// Pending returns the stories still marked passes=false, in document order.
func (p *PrdContext) Pending() []UserStory {
	var out []UserStory
	for _, s := range p.Stories {
		if !s.Passes {
			out = append(out, s)
		}
	}
	return out
}

// Summary renders the PRD as prompt-ready text.
func (p *PrdContext) Summary() string {
	var b strings.Builder
	for _, s := range p.Stories {
		status := "pending"
		if s.Passes {
			status = "done"
		}
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("#%d", s.Index+1)
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", status, id, s.Title)
		for _, ac := range s.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - %s\n", ac)
		}
	}
	return b.String()
}

// Package storytracker records a run's outcome against an optional PRD. It
// selects the pending user story the task most plausibly addressed, flips its
// passes flag when the quality gate agreed, and appends a progress log line.
// Every failure mode here is reported and skipped; the tracker never fails a
// run.
package storytracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/repocontext"
	"github.com/polychat/sandbox-worker/internal/sandbox"
)

const progressLogName = "progress.log"

// Outcome reports what the tracker did. Skipped outcomes carry the reason.
type Outcome struct {
	Selected   *repocontext.UserStory
	PrdUpdated bool
	Logged     bool
	Skipped    bool
	Reason     string
}

// Record runs the tracker at the end of a run.
func Record(ctx context.Context, sb sandbox.Sandbox, repoDir string, prd *repocontext.PrdContext, taskText string, plans []string, gatePassed bool, emitter *events.Emitter) Outcome {
	if prd == nil || prd.Path == "" || len(prd.Stories) == 0 {
		return skip(emitter, "no parsed PRD available")
	}
	pending := prd.Pending()
	if len(pending) == 0 {
		return skip(emitter, "no pending stories")
	}

	progressPath := path.Join(path.Dir(prd.Path), progressLogName)
	attempts := attemptCounter(ctx, sb, repoDir, progressPath)

	text := strings.ToLower(taskText + "\n" + strings.Join(plans, "\n"))
	story := SelectStory(pending, text, attempts)
	if story == nil {
		return skip(emitter, "no story matched the task text")
	}
	emitter.Emit(events.StoryTrackerSelected, map[string]any{
		"story_id":    story.ID,
		"story_title": story.Title,
		"index":       story.Index,
	})

	out := Outcome{Selected: story}
	if gatePassed {
		if err := markStoryPassed(ctx, sb, repoDir, prd.Path, story); err != nil {
			slog.Warn("story tracker could not update prd", "path", prd.Path, "error", err)
			emitter.Emit(events.StoryTrackerSkipped, map[string]any{"reason": err.Error()})
		} else {
			out.PrdUpdated = true
			emitter.Emit(events.StoryTrackerPrdUpdated, map[string]any{
				"story_id": story.ID,
				"index":    story.Index,
			})
		}
	}

	if err := appendProgress(ctx, sb, repoDir, progressPath, story, gatePassed); err != nil {
		slog.Warn("story tracker could not append progress", "path", progressPath, "error", err)
	} else {
		out.Logged = true
		emitter.Emit(events.StoryTrackerProgress, map[string]any{"path": progressPath})
	}
	return out
}

func skip(emitter *events.Emitter, reason string) Outcome {
	emitter.Emit(events.StoryTrackerSkipped, map[string]any{"reason": reason})
	return Outcome{Skipped: true, Reason: reason}
}

// SelectStory scores each pending story against the lowercased task and plan
// text. An exact id mention beats a title substring match, which beats token
// overlap. Ties break on fewest prior attempts, then priority ascending, then
// original index, so selection is deterministic.
func SelectStory(pending []repocontext.UserStory, loweredText string, attempts func(repocontext.UserStory) int) *repocontext.UserStory {
	type scored struct {
		story    repocontext.UserStory
		score    int
		attempts int
	}
	var candidates []scored
	for _, s := range pending {
		sc := scoreStory(s, loweredText)
		if sc == 0 {
			continue
		}
		n := 0
		if attempts != nil {
			n = attempts(s)
		}
		candidates = append(candidates, scored{story: s, score: sc, attempts: n})
	}
	if len(candidates) == 0 {
		// Nothing matched; fall back to the first pending story so a bare
		// "implement the next story" task still makes progress.
		if len(pending) == 0 {
			return nil
		}
		first := pending[0]
		return &first
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.attempts != b.attempts {
			return a.attempts < b.attempts
		}
		if pa, pb := priorityOf(a.story), priorityOf(b.story); pa != pb {
			return pa < pb
		}
		return a.story.Index < b.story.Index
	})
	top := candidates[0].story
	return &top
}

func scoreStory(s repocontext.UserStory, loweredText string) int {
	score := 0
	if s.ID != "" && strings.Contains(loweredText, strings.ToLower(s.ID)) {
		score += 1000
	}
	if title := strings.ToLower(strings.TrimSpace(s.Title)); title != "" && strings.Contains(loweredText, title) {
		score += 500
	}
	for _, tok := range strings.Fields(strings.ToLower(s.Title)) {
		if len(tok) >= 3 && strings.Contains(loweredText, tok) {
			score++
		}
	}
	return score
}

func priorityOf(s repocontext.UserStory) int {
	if s.Priority == nil {
		return 1 << 30
	}
	return *s.Priority
}

// attemptCounter counts prior progress-log mentions per story id. A missing
// or unreadable log means zero attempts for everyone.
func attemptCounter(ctx context.Context, sb sandbox.Sandbox, repoDir, progressPath string) func(repocontext.UserStory) int {
	data, err := sb.ReadFile(ctx, path.Join(repoDir, progressPath))
	if err != nil {
		return nil
	}
	lines := strings.Split(data, "\n")
	return func(s repocontext.UserStory) int {
		if s.ID == "" {
			return 0
		}
		n := 0
		for _, line := range lines {
			if strings.Contains(line, s.ID) {
				n++
			}
		}
		return n
	}
}

// markStoryPassed re-reads prd.json, flips passes on the selected story only,
// and writes the document back. All other fields pass through untouched.
func markStoryPassed(ctx context.Context, sb sandbox.Sandbox, repoDir, prdPath string, story *repocontext.UserStory) error {
	full := path.Join(repoDir, prdPath)
	data, err := sb.ReadFile(ctx, full)
	if err != nil {
		return fmt.Errorf("read prd: %w", err)
	}
	updated, err := setPassesInRaw([]byte(data), story.Index, story.ID)
	if err != nil {
		return err
	}
	if err := sb.WriteFile(ctx, full, string(updated)); err != nil {
		return fmt.Errorf("write prd: %w", err)
	}
	return nil
}

func setPassesInRaw(data []byte, index int, wantID string) ([]byte, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse prd: %w", err)
	}

	var arr []any
	switch v := root.(type) {
	case []any:
		arr = v
	case map[string]any:
		for _, key := range []string{"stories", "userStories"} {
			if a, ok := v[key].([]any); ok {
				arr = a
				break
			}
		}
	}
	if arr == nil {
		return nil, fmt.Errorf("prd has no story array")
	}
	if index < 0 || index >= len(arr) {
		return nil, fmt.Errorf("stale story index %d (prd has %d entries)", index, len(arr))
	}
	entry, ok := arr[index].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("story at index %d is not an object", index)
	}
	if wantID != "" {
		if id, _ := entry["id"].(string); id != wantID {
			return nil, fmt.Errorf("stale story index %d: id %q does not match %q", index, id, wantID)
		}
	}
	entry["passes"] = true
	return json.MarshalIndent(root, "", "  ")
}

func appendProgress(ctx context.Context, sb sandbox.Sandbox, repoDir, progressPath string, story *repocontext.UserStory, gatePassed bool) error {
	full := path.Join(repoDir, progressPath)
	existing, err := sb.ReadFile(ctx, full)
	if err != nil {
		existing = "" // first entry
	}

	verdict := "quality gate failed"
	if gatePassed {
		verdict = "quality gate passed"
	}
	label := story.ID
	if label == "" {
		label = fmt.Sprintf("story #%d", story.Index+1)
	}
	line := fmt.Sprintf("%s %s: %s (%s)\n", time.Now().UTC().Format(time.RFC3339), label, story.Title, verdict)

	return sb.WriteFile(ctx, full, existing+line)
}

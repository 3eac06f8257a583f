package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ========================================
// Script recorder - 操作脚本录制与回放
// ========================================

// ScriptStep is one recorded action of an automation script.
type ScriptStep struct {
	StepNumber int             `json:"stepNumber"`
	Action     string          `json:"action"`
	Args       json.RawMessage `json:"args,omitempty"`
	Thinking   string          `json:"thinking,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Script is a replayable record of one task run.
type Script struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	DeviceID    string       `json:"deviceId,omitempty"`
	Model       string       `json:"model,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	TotalSteps  int          `json:"totalSteps"`
	Succeeded   bool         `json:"succeeded"`
	ElapsedMs   int64        `json:"elapsedMs"`
	Steps       []ScriptStep `json:"steps"`
}

// ScriptRecorder captures the actions of a run into a Script that can later
// be replayed without the model.
type ScriptRecorder struct {
	mu        sync.Mutex
	outputDir string
	script    Script
	start     time.Time
	active    bool
}

// NewScriptRecorder creates a recorder saving into outputDir.
func NewScriptRecorder(outputDir string) *ScriptRecorder {
	return &ScriptRecorder{outputDir: outputDir}
}

// Start begins recording a new run.
func (r *ScriptRecorder) Start(task, deviceID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := task
	if len(name) > 50 {
		name = name[:50] + "..."
	}
	r.script = Script{
		Name:        name,
		Description: task,
		DeviceID:    deviceID,
		Model:       model,
		CreatedAt:   time.Now(),
	}
	r.start = time.Now()
	r.active = true
}

// RecordStep appends one executed action. Finish actions are not recorded;
// replay has its own natural end.
func (r *ScriptRecorder) RecordStep(act Action, thinking string, outcome Outcome, duration time.Duration) {
	if _, isFinish := act.(FinishAction); isFinish {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}

	args, _ := json.Marshal(act)
	r.script.Steps = append(r.script.Steps, ScriptStep{
		StepNumber: len(r.script.Steps) + 1,
		Action:     act.ActionName(),
		Args:       args,
		Thinking:   thinking,
		Success:    outcome.Success,
		Error:      failureMessage(outcome),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	})
	r.script.TotalSteps = len(r.script.Steps)
}

func failureMessage(outcome Outcome) string {
	if outcome.Success {
		return ""
	}
	return outcome.Message
}

// Finish marks the recording done with the run's final disposition.
func (r *ScriptRecorder) Finish(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.script.Succeeded = success
	r.script.ElapsedMs = time.Since(r.start).Milliseconds()
	r.active = false
}

// StepCount returns the number of recorded steps.
func (r *ScriptRecorder) StepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.script.Steps)
}

// Save writes the script as <timestamp>_<task slug>.json and returns the
// path. Empty recordings are not written.
func (r *ScriptRecorder) Save() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.script.Steps) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scripts directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.json",
		r.script.CreatedAt.Format("20060102_150405"),
		taskSlug(r.script.Description))
	path := filepath.Join(r.outputDir, filename)

	data, err := json.MarshalIndent(r.script, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal script: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write script: %w", err)
	}
	return path, nil
}

// taskSlug reduces a task description to a short filesystem-safe fragment.
func taskSlug(task string) string {
	var b strings.Builder
	for _, c := range task {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ' ' || c == '-' || c == '_':
			b.WriteByte('_')
		}
		if b.Len() >= 30 {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return strings.Trim(b.String(), "_")
}

// LoadScript reads a saved script from disk.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	return &script, nil
}

// stepAction reconstructs the typed Action of a recorded step.
func (s ScriptStep) stepAction() (Action, error) {
	switch strings.ReplaceAll(s.Action, " ", "") {
	case "Launch":
		var a LaunchAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "Tap":
		var a TapAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "DoubleTap":
		var a DoubleTapAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "LongPress":
		var a LongPressAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "Swipe":
		var a SwipeAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "Type":
		var a TypeAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "Back":
		return BackAction{}, nil
	case "Home":
		return HomeAction{}, nil
	case "Wait":
		var a WaitAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	case "TakeOver":
		var a TakeOverAction
		err := json.Unmarshal(s.Args, &a)
		return a, err
	default:
		return nil, fmt.Errorf("step %d: unknown action %q", s.StepNumber, s.Action)
	}
}

// ReplayOptions tunes script replay.
type ReplayOptions struct {
	// Strict stops at the first failing step instead of carrying on.
	Strict bool
	// OnStep, when set, observes each replayed step's outcome.
	OnStep func(step ScriptStep, outcome Outcome, err error)
}

// ReplayScript re-executes a recorded script against a device through the
// regular dispatcher. Coordinates are re-mapped against a fresh screenshot
// before every step, so a script recorded on one resolution replays on
// another. Take Over steps are skipped: there is no model in the loop to
// continue a hand-off.
func ReplayScript(ctx context.Context, device DeviceIO, deviceID string, script *Script, lang Language, opts ReplayOptions) error {
	dispatcher := NewDispatcher(device, deviceID, AutoApprove{}, AutoCancel{}, lang)

	for _, step := range script.Steps {
		if ctx.Err() != nil {
			return cancelledErr("replay")
		}

		act, err := step.stepAction()
		if err != nil {
			if opts.OnStep != nil {
				opts.OnStep(step, Outcome{}, err)
			}
			if opts.Strict {
				return err
			}
			continue
		}
		if _, isTakeover := act.(TakeOverAction); isTakeover {
			LogInfo("recorder").Int("step", step.StepNumber).Msg("skipping takeover step during replay")
			continue
		}

		sc, err := device.Screenshot(ctx, deviceID)
		if err != nil {
			return err
		}

		outcome, err := dispatcher.Execute(ctx, act, sc.Width, sc.Height)
		if opts.OnStep != nil {
			opts.OnStep(step, outcome, err)
		}
		if err != nil {
			return err
		}
		if !outcome.Success && opts.Strict {
			return fmt.Errorf("step %d (%s) failed: %s", step.StepNumber, step.Action, outcome.Message)
		}
	}
	return nil
}

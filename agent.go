package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ========================================
// Agent - 任务执行主循环
// ========================================

// AgentConfig configures one task run. Immutable per task.
type AgentConfig struct {
	MaxSteps int      `json:"maxSteps"`
	DeviceID string   `json:"deviceId,omitempty"`
	Lang     Language `json:"language"`
	Verbose  bool     `json:"verbose"`
	Record   bool     `json:"record"`

	// RecordScript captures the run's actions into a replayable JSON script
	// under ScriptDir.
	RecordScript bool   `json:"recordScript"`
	ScriptDir    string `json:"scriptDir,omitempty"`
}

// DefaultAgentConfig returns the defaults for a task run.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxSteps: 100,
		Lang:     LangCN,
		Record:   true,
	}
}

func (c *AgentConfig) normalize() {
	if c.MaxSteps < 1 {
		c.MaxSteps = 100
	}
	if !c.Lang.valid() {
		c.Lang = LangCN
	}
}

// RunResult is the terminal outcome of one task run.
type RunResult struct {
	Status  TaskStatus
	Message string
}

// EventSink receives the step/overflow events of one run. The sink must not
// block; fan-out buffering is the session manager's job.
type EventSink func(Event)

// Maximum consecutive unparseable model replies before the run fails.
const maxParseFailures = 2

// Agent owns the per-task control loop: screenshot → model → action →
// observe, with budget, parse-storm and cancellation handling. It holds
// non-owning references to its collaborators.
type Agent struct {
	model    ModelCaller
	device   DeviceIO
	tracker  *StepTracker
	cfg      AgentConfig
	confirm  Confirmer
	takeover TakeoverHandler
	sink     EventSink
	recorder *ScriptRecorder
}

// NewAgent wires an agent from its collaborators. sink may be nil.
func NewAgent(model ModelCaller, device DeviceIO, tracker *StepTracker, cfg AgentConfig, confirm Confirmer, takeover TakeoverHandler, sink EventSink) *Agent {
	cfg.normalize()
	if sink == nil {
		sink = func(Event) {}
	}
	return &Agent{
		model:    model,
		device:   device,
		tracker:  tracker,
		cfg:      cfg,
		confirm:  confirm,
		takeover: takeover,
		sink:     sink,
	}
}

// Run drives the task to one of its terminal states. Exactly one RunResult
// comes back per invocation; the caller is responsible for the terminal
// event and the store update.
func (a *Agent) Run(ctx context.Context, task *Task) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			// The loop must never panic upward; convert to an error
			// termination with the panic text preserved.
			LogError("agent").Str("taskId", task.ID).Interface("panic", r).Msg("agent loop panicked")
			result = RunResult{Status: TaskError, Message: fmt.Sprint(r)}
		}
	}()

	deviceID, err := a.resolveDevice(ctx)
	if err != nil {
		return RunResult{Status: TaskError, Message: Msg(a.cfg.Lang, "no_device")}
	}
	LogInfo("agent").Str("taskId", task.ID).Str("deviceId", deviceID).Str("task", task.Description).Msg("task started")

	if a.cfg.RecordScript && a.cfg.ScriptDir != "" {
		a.recorder = NewScriptRecorder(a.cfg.ScriptDir)
		a.recorder.Start(task.Description, deviceID, "")
		defer func() {
			a.recorder.Finish(result.Status == TaskCompleted)
			if path, err := a.recorder.Save(); err != nil {
				LogWarn("agent").Err(err).Msg("failed to save recorded script")
			} else if path != "" {
				LogInfo("agent").Str("path", path).Msg("automation script saved")
			}
		}()
	}

	dispatcher := NewDispatcher(a.device, deviceID, a.confirm, a.takeover, a.cfg.Lang)

	contextMsgs := []Message{SystemMessage(GetSystemPrompt(a.cfg.Lang))}
	parseFailures := 0

	for n := 1; n <= a.cfg.MaxSteps; n++ {
		select {
		case <-ctx.Done():
			return RunResult{Status: TaskStopped, Message: Msg(a.cfg.Lang, "task_stopped")}
		default:
		}

		stepStart := time.Now()

		sc, err := a.device.Screenshot(ctx, deviceID)
		if err != nil {
			if IsCancelled(err) {
				return RunResult{Status: TaskStopped, Message: Msg(a.cfg.Lang, "task_stopped")}
			}
			a.emitErrorStep(task.ID, n, err, stepStart)
			return RunResult{Status: TaskError, Message: fmt.Sprintf("%s: %v", Msg(a.cfg.Lang, "device_error"), err)}
		}

		// Foreground app detection is best-effort; an empty string is fine.
		currentApp, _ := a.device.CurrentApp(ctx, deviceID)

		screenInfo := BuildScreenInfo(currentApp)
		var text string
		if n == 1 {
			text = task.Description + "\n\n" + screenInfo
		} else {
			text = "** Screen Info **\n\n" + screenInfo
		}
		contextMsgs = append(contextMsgs, UserImageMessage(text, EncodePNGBase64(sc.PNG)))

		reply, err := a.model.Request(ctx, contextMsgs)
		if err != nil {
			if IsCancelled(err) {
				// The aborted iteration is not recorded as a step.
				return RunResult{Status: TaskStopped, Message: Msg(a.cfg.Lang, "task_stopped")}
			}
			a.emitErrorStep(task.ID, n, err, stepStart)
			return RunResult{Status: TaskError, Message: fmt.Sprintf("%s: %v", Msg(a.cfg.Lang, "model_error"), err)}
		}

		// Only the latest screenshot travels in full; strip the image from
		// the turn that was just answered.
		contextMsgs[len(contextMsgs)-1] = StripImages(contextMsgs[len(contextMsgs)-1])
		contextMsgs = append(contextMsgs, AssistantMessage(
			fmt.Sprintf("<think>%s</think><answer>%s</answer>", reply.Thinking, reply.ActionText)))

		a.printStep(reply.Thinking, reply.ActionText)

		act, perr := ParseAction(reply.ActionText)
		if perr != nil {
			parseFailures++
			if parseFailures > maxParseFailures {
				return RunResult{Status: TaskError, Message: Msg(a.cfg.Lang, "parse_storm")}
			}
			a.emitErrorStepWithThought(task.ID, n, reply.Thinking, perr, stepStart)
			continue
		}
		parseFailures = 0

		outcome, derr := dispatcher.Execute(ctx, act, sc.Width, sc.Height)
		if derr != nil {
			if IsCancelled(derr) {
				return RunResult{Status: TaskStopped, Message: Msg(a.cfg.Lang, "task_stopped")}
			}
			a.emitErrorStepWithThought(task.ID, n, reply.Thinking, derr, stepStart)
			return RunResult{Status: TaskError, Message: fmt.Sprintf("%s: %v", Msg(a.cfg.Lang, "device_error"), derr)}
		}

		a.emitActionStep(task.ID, n, reply.Thinking, act, outcome, sc, stepStart)

		if outcome.ShouldFinish {
			msg := outcome.Message
			if msg == "" {
				msg = Msg(a.cfg.Lang, "done")
			}
			return RunResult{Status: TaskCompleted, Message: msg}
		}
	}

	return RunResult{Status: TaskError, Message: Msg(a.cfg.Lang, "budget_exhausted")}
}

// resolveDevice pins the device for the task's lifetime: the configured id,
// or the first connected device when none was given.
func (a *Agent) resolveDevice(ctx context.Context) (string, error) {
	if a.cfg.DeviceID != "" {
		return a.cfg.DeviceID, nil
	}
	devices, err := a.device.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.State == "device" {
			return d.ID, nil
		}
	}
	return "", agentErr(KindNoDevice, "preflight", "no connected device", nil)
}

// actionStepPayload is the structured payload of an action step.
type actionStepPayload struct {
	Action  string          `json:"action"`
	Args    json.RawMessage `json:"args,omitempty"`
	Outcome Outcome         `json:"outcome"`
}

func (a *Agent) emitActionStep(taskID string, n int, thought string, act Action, outcome Outcome, sc *Screenshot, start time.Time) {
	if a.recorder != nil {
		a.recorder.RecordStep(act, thought, outcome, time.Since(start))
	}

	args, _ := json.Marshal(act)
	payload, _ := json.Marshal(actionStepPayload{
		Action:  act.ActionName(),
		Args:    args,
		Outcome: outcome,
	})

	stepOutcome := OutcomeSuccess
	if !outcome.Success {
		stepOutcome = OutcomeFailure
	}

	rec := StepRecord{
		TaskID:     taskID,
		StepNumber: n,
		Type:       StepAction,
		Payload:    payload,
		Thought:    thought,
		Outcome:    stepOutcome,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now(),
	}

	var png []byte
	if a.cfg.Record && sc != nil && len(sc.PNG) > 0 {
		rec.ScreenshotRef = ScreenshotFilename(sc.CapturedAt)
		png = sc.PNG
	}

	if a.tracker != nil {
		a.tracker.Append(rec, png)
	}

	a.sink(Event{
		Type:          EventStepUpdate,
		TaskID:        taskID,
		Timestamp:     time.Now(),
		StepNumber:    n,
		Thought:       thought,
		Action:        act.ActionName(),
		Outcome:       outcome.Message,
		ScreenshotRef: rec.ScreenshotRef,
		Success:       outcome.Success,
		Finished:      outcome.ShouldFinish,
	})
}

func (a *Agent) emitErrorStep(taskID string, n int, err error, start time.Time) {
	a.emitErrorStepWithThought(taskID, n, "", err, start)
}

func (a *Agent) emitErrorStepWithThought(taskID string, n int, thought string, err error, start time.Time) {
	payload, _ := json.Marshal(errorPayload{Kind: KindOf(err), Detail: err.Error()})
	rec := StepRecord{
		TaskID:     taskID,
		StepNumber: n,
		Type:       StepError,
		Payload:    payload,
		Thought:    thought,
		Outcome:    OutcomeFailure,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if a.tracker != nil {
		a.tracker.Append(rec, nil)
	}
	a.sink(Event{
		Type:       EventStepUpdate,
		TaskID:     taskID,
		Timestamp:  time.Now(),
		StepNumber: n,
		Thought:    thought,
		Action:     "error",
		Outcome:    err.Error(),
		Success:    false,
	})
}

// printStep renders the verbose per-step banner.
func (a *Agent) printStep(thinking, action string) {
	if !a.cfg.Verbose {
		return
	}
	fmt.Println("\n" + "==================================================")
	fmt.Printf("%s:\n%s\n", Msg(a.cfg.Lang, "thinking"), thinking)
	fmt.Println("--------------------------------------------------")
	fmt.Printf("%s: %s\n", Msg(a.cfg.Lang, "action"), action)
	fmt.Println("==================================================")
}

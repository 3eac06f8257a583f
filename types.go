package main

import (
	"encoding/json"
	"time"
)

// Device represents a connected ADB device
type Device struct {
	ID    string `json:"id"`
	Type  string `json:"type"`  // "usb" or "tcp"
	State string `json:"state"` // "device", "unauthorized", "offline", "unknown"
	Model string `json:"model,omitempty"`
}

// Screenshot is one captured frame of the device screen.
// When Sensitive is true the device refused capture (protected surface) and
// PNG holds a synthesized black frame of the declared dimensions.
type Screenshot struct {
	PNG        []byte
	Width      int
	Height     int
	Sensitive  bool
	CapturedAt time.Time
}

// RelPoint is a screen-independent coordinate pair in [0,1000]².
type RelPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ========================================
// Actions - 模型可请求的设备操作
// ========================================

// Action is one device interaction requested by the model.
type Action interface {
	// ActionName returns the verb as it appears in the action protocol.
	ActionName() string
}

type LaunchAction struct {
	App string `json:"app"`
}

type TapAction struct {
	Point RelPoint `json:"point"`
	// SensitiveMessage is set when the call carried a message= kwarg,
	// which flags the tap for user confirmation.
	SensitiveMessage string `json:"message,omitempty"`
}

type DoubleTapAction struct {
	Point RelPoint `json:"point"`
}

type LongPressAction struct {
	Point RelPoint `json:"point"`
}

type SwipeAction struct {
	Start RelPoint `json:"start"`
	End   RelPoint `json:"end"`
}

type TypeAction struct {
	Text string `json:"text"`
}

type BackAction struct{}

type HomeAction struct{}

type WaitAction struct {
	Duration time.Duration `json:"duration"`
}

type TakeOverAction struct {
	Message string `json:"message"`
}

type FinishAction struct {
	Message string `json:"message"`
}

func (LaunchAction) ActionName() string    { return "Launch" }
func (TapAction) ActionName() string       { return "Tap" }
func (DoubleTapAction) ActionName() string { return "Double Tap" }
func (LongPressAction) ActionName() string { return "Long Press" }
func (SwipeAction) ActionName() string     { return "Swipe" }
func (TypeAction) ActionName() string      { return "Type" }
func (BackAction) ActionName() string      { return "Back" }
func (HomeAction) ActionName() string      { return "Home" }
func (WaitAction) ActionName() string      { return "Wait" }
func (TakeOverAction) ActionName() string  { return "Take Over" }
func (FinishAction) ActionName() string    { return "Finish" }

// Outcome is the dispatcher's verdict on one executed action.
type Outcome struct {
	Success      bool   `json:"success"`
	ShouldFinish bool   `json:"shouldFinish"`
	Message      string `json:"message,omitempty"`
}

// ========================================
// Step records - 步骤记录
// ========================================

// StepType classifies a step record.
type StepType string

const (
	StepThinking   StepType = "thinking"
	StepAction     StepType = "action"
	StepScreenshot StepType = "screenshot"
	StepError      StepType = "error"
	StepValidation StepType = "validation"
)

// StepOutcome is the terminal disposition of an action step.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
	OutcomePending StepOutcome = "pending"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepRecord is the persisted record of one loop iteration.
// Records are never mutated after creation; the flusher attaches the durable
// screenshot URL on its own copy before writing.
type StepRecord struct {
	TaskID        string          `json:"taskId"`
	StepNumber    int             `json:"stepNumber"`
	Type          StepType        `json:"stepType"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Thought       string          `json:"thought,omitempty"`
	Outcome       StepOutcome     `json:"outcome"`
	ScreenshotRef string          `json:"screenshotRef,omitempty"`
	DurationMs    int64           `json:"durationMs"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// errorPayload is the structured payload of an error step.
type errorPayload struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// ========================================
// Tasks and sessions - 任务与会话
// ========================================

// TaskStatus is the lifecycle state of a task. Transitions are monotonic:
// running → exactly one of {completed, error, stopped}.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskStopped
}

// Task is one natural-language instruction being driven to completion.
type Task struct {
	ID           string     `json:"taskId"`
	SessionID    string     `json:"sessionId"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ========================================
// Subscriber events - 订阅者事件
// ========================================

// EventType tags the subscriber event shape.
type EventType string

const (
	EventStepUpdate   EventType = "step_update"
	EventOverflow     EventType = "overflow"
	EventTerminal     EventType = "terminal"
	EventDisconnected EventType = "disconnected"
)

// Event is the fan-out payload delivered to session subscribers.
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"taskId"`
	Timestamp  time.Time `json:"timestamp"`

	// step_update fields
	StepNumber    int    `json:"stepNumber,omitempty"`
	Thought       string `json:"thought,omitempty"`
	Action        string `json:"action,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	ScreenshotRef string `json:"screenshotRef,omitempty"`
	Success       bool   `json:"success,omitempty"`
	Finished      bool   `json:"finished,omitempty"`

	// overflow fields
	DroppedCount int `json:"droppedCount,omitempty"`

	// terminal fields
	Status  TaskStatus `json:"status,omitempty"`
	Message string     `json:"message,omitempty"`
}

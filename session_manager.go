package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ========================================
// Session manager - 会话与任务生命周期
// ========================================

// subscriberBuffer bounds each subscriber's event backlog; a subscriber that
// falls further behind is disconnected rather than back-pressuring the agent.
const subscriberBuffer = 256

type subscriber struct {
	id int
	ch chan Event
}

type runningTask struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

type session struct {
	id      string
	userID  string
	running *runningTask
	subs    map[int]*subscriber
	nextSub int
}

// SessionManager owns the set of sessions and live tasks. Each session runs
// at most one task at a time; tasks from different sessions run in parallel.
type SessionManager struct {
	cfg      *Config
	device   DeviceIO
	store    TaskStore
	blobs    BlobStore
	confirm  Confirmer
	takeover TakeoverHandler

	// newModel builds the model client for one task from the pinned config.
	// Swappable in tests.
	newModel func(ModelConfig) ModelCaller

	mu          sync.Mutex
	sessions    map[string]*session
	tasks       map[string]*Task  // in-memory index keyed by task_id
	taskSession map[string]string // task_id -> session_id
}

// NewSessionManager wires the manager with its collaborators.
func NewSessionManager(cfg *Config, device DeviceIO, store TaskStore, blobs BlobStore, confirm Confirmer, takeover TakeoverHandler) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		device:   device,
		store:    store,
		blobs:    blobs,
		confirm:  confirm,
		takeover: takeover,
		newModel: func(mc ModelConfig) ModelCaller { return NewModelClient(mc) },
		sessions: make(map[string]*session),
		tasks:       make(map[string]*Task),
		taskSession: make(map[string]string),
	}
}

// CreateSession registers a new session and returns its id.
func (m *SessionManager) CreateSession(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.sessions[id] = &session{
		id:     id,
		userID: userID,
		subs:   make(map[int]*subscriber),
	}
	LogInfo("session").Str("sessionId", id).Msg("session created")
	return id
}

// Start launches a task on a dedicated worker and returns its id
// immediately. A session with a running task rejects the request.
func (m *SessionManager) Start(sessionID, description string, overrides *AgentConfig) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", agentErr(KindInternal, "start_task", "unknown session: "+sessionID, nil)
	}
	if s.running != nil {
		m.mu.Unlock()
		return "", agentErr(KindSessionBusy, "start_task", "session already has a running task", nil)
	}

	agentCfg := m.cfg.AgentConfig()
	if overrides != nil {
		agentCfg = *overrides
	}
	agentCfg.normalize()
	if agentCfg.RecordScript && agentCfg.ScriptDir == "" {
		agentCfg.ScriptDir = filepath.Join(m.cfg.DataDir, "scripts")
	}
	modelCfg := m.cfg.ModelConfig()

	now := time.Now()
	task := &Task{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Description:  description,
		Status:       TaskRunning,
		CreatedAt:    now,
		LastActivity: now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{taskID: task.ID, cancel: cancel, done: make(chan struct{})}
	s.running = rt
	m.tasks[task.ID] = task
	m.taskSession[task.ID] = sessionID
	m.mu.Unlock()

	if err := m.store.CreateTask(ctx, task); err != nil {
		m.mu.Lock()
		s.running = nil
		delete(m.tasks, task.ID)
		delete(m.taskSession, task.ID)
		m.mu.Unlock()
		cancel()
		close(rt.done)
		return "", err
	}

	tracker, err := NewStepTracker(task.ID, m.store, m.blobs,
		func(dropped int) {
			m.publish(sessionID, Event{
				Type:         EventOverflow,
				TaskID:       task.ID,
				Timestamp:    time.Now(),
				DroppedCount: dropped,
			})
		},
		StepTrackerOptions{SpillDir: filepath.Join(m.cfg.DataDir, "spill")})
	if err != nil {
		m.mu.Lock()
		s.running = nil
		m.mu.Unlock()
		cancel()
		close(rt.done)
		return "", err
	}

	agent := NewAgent(m.newModel(modelCfg), m.device, tracker, agentCfg,
		m.confirm, m.takeover,
		func(ev Event) { m.publish(sessionID, ev) })

	go m.runWorker(ctx, cancel, s, rt, task, agent, tracker)

	LogInfo("session").Str("sessionId", sessionID).Str("taskId", task.ID).Msg("task started")
	return task.ID, nil
}

// runWorker drives one task to termination and emits its single terminal
// event.
func (m *SessionManager) runWorker(ctx context.Context, cancel context.CancelFunc, s *session, rt *runningTask, task *Task, agent *Agent, tracker *StepTracker) {
	defer cancel()
	defer close(rt.done)

	res := agent.Run(ctx, task)

	// Flush whatever the run produced before announcing the terminal state.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tracker.Flush(flushCtx)
	flushCancel()
	tracker.Close(5 * time.Second)

	end := time.Now()
	m.mu.Lock()
	task.Status = res.Status
	task.LastActivity = end
	task.EndTime = &end
	if res.Status == TaskCompleted {
		task.Result = res.Message
	} else {
		task.Error = res.Message
	}
	if s.running == rt {
		s.running = nil
	}
	m.mu.Unlock()

	var result, errMsg string
	if res.Status == TaskCompleted {
		result = res.Message
	} else {
		errMsg = res.Message
	}
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := m.store.UpdateTaskStatus(storeCtx, task.ID, res.Status, &end, result, errMsg); err != nil {
		LogError("session").Err(err).Str("taskId", task.ID).Msg("failed to persist terminal status")
	}
	storeCancel()

	m.publish(s.id, Event{
		Type:      EventTerminal,
		TaskID:    task.ID,
		Timestamp: end,
		Status:    res.Status,
		Message:   res.Message,
	})
	LogInfo("session").Str("taskId", task.ID).Str("status", string(res.Status)).Msg("task finished")
}

// Stop signals the session's running task to cancel. Idempotent.
func (m *SessionManager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	var rt *runningTask
	if ok && s.running != nil {
		rt = s.running
	}
	m.mu.Unlock()

	if rt != nil {
		rt.cancel()
	}
}

// StopTask cancels a task by id, whichever session owns it. Idempotent.
func (m *SessionManager) StopTask(taskID string) {
	m.mu.Lock()
	sessionID, ok := m.taskSession[taskID]
	var rt *runningTask
	if ok {
		if s := m.sessions[sessionID]; s != nil && s.running != nil && s.running.taskID == taskID {
			rt = s.running
		}
	}
	m.mu.Unlock()

	if rt != nil {
		rt.cancel()
	}
}

// Done returns a channel closed when the task's worker has fully terminated,
// or nil for an unknown/already-collected task.
func (m *SessionManager) Done(taskID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.taskSession[taskID]
	if !ok {
		return nil
	}
	if s := m.sessions[sessionID]; s != nil && s.running != nil && s.running.taskID == taskID {
		return s.running.done
	}
	return nil
}

// Subscribe registers a sink receiving every event for tasks in the session,
// delivered in per-task step order. The returned func unsubscribes.
func (m *SessionManager) Subscribe(sessionID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, agentErr(KindInternal, "subscribe", "unknown session: "+sessionID, nil)
	}

	sub := &subscriber{id: s.nextSub, ch: make(chan Event, subscriberBuffer)}
	s.nextSub++
	s.subs[sub.id] = sub

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := s.subs[sub.id]; ok {
			delete(s.subs, sub.id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe, nil
}

// publish fans an event out to the session's subscribers. A subscriber whose
// queue is full is dropped with a best-effort final disconnected event; core
// events are never delayed by slow consumers.
func (m *SessionManager) publish(sessionID string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, id)
			// Make room for the final disconnected event by discarding the
			// oldest backlogged one.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- Event{Type: EventDisconnected, TaskID: ev.TaskID, Timestamp: time.Now()}:
			default:
			}
			close(sub.ch)
			LogWarn("session").Str("sessionId", sessionID).Int("subscriber", id).Msg("slow subscriber disconnected")
		}
	}
}

// QueryTask returns a task from the in-memory index, falling back to the
// store.
func (m *SessionManager) QueryTask(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	if t, ok := m.tasks[taskID]; ok {
		cp := *t
		m.mu.Unlock()
		return &cp, nil
	}
	m.mu.Unlock()
	return m.store.GetTask(ctx, taskID)
}

// ListTasks returns the store's task list. Start writes every task to the
// store before it runs, so live tasks are included.
func (m *SessionManager) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	return m.store.ListTasks(ctx, f)
}

// Close cancels every running task and waits briefly for workers to settle.
func (m *SessionManager) Close() {
	m.mu.Lock()
	var running []*runningTask
	for _, s := range m.sessions {
		if s.running != nil {
			running = append(running, s.running)
		}
	}
	m.mu.Unlock()

	for _, rt := range running {
		rt.cancel()
	}
	deadline := time.After(5 * time.Second)
	for _, rt := range running {
		select {
		case <-rt.done:
		case <-deadline:
			return
		}
	}
}

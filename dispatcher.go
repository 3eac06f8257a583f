package main

import (
	"context"
	"time"
)

// ========================================
// Action dispatcher - 动作分发
// ========================================

// Confirmer decides whether a sensitive action may proceed.
type Confirmer interface {
	Confirm(message string) bool
}

// TakeoverHandler hands control to a human operator. It blocks until the
// operator signals completion; a ctx cancellation aborts the wait.
type TakeoverHandler interface {
	Takeover(ctx context.Context, message string) error
}

// AutoApprove approves every sensitive action. Suitable for headless runs
// against trusted tasks.
type AutoApprove struct{}

func (AutoApprove) Confirm(string) bool { return true }

// AutoDeny rejects every sensitive action.
type AutoDeny struct{}

func (AutoDeny) Confirm(string) bool { return false }

// AutoCancel declines every takeover request immediately.
type AutoCancel struct{}

func (AutoCancel) Takeover(ctx context.Context, message string) error {
	return cancelledErr("takeover")
}

const (
	minWaitDuration = time.Millisecond
	maxWaitDuration = 30 * time.Second
)

// relAxisMax is the upper bound of the screen-independent coordinate space.
const relAxisMax = 1000

// relToPixel maps one relative coordinate onto a pixel axis of size max.
// Out-of-range inputs are clamped to the boundary, never rejected, and the
// result is kept inside the visible frame.
func relToPixel(rel, max int) int {
	if rel < 0 {
		rel = 0
	}
	if rel > relAxisMax {
		rel = relAxisMax
	}
	return clampToScreen(rel*max/relAxisMax, max)
}

func relPointToPixels(p RelPoint, w, h int) (int, int) {
	return relToPixel(p.X, w), relToPixel(p.Y, h)
}

// swipeDuration derives a gesture duration from its pixel magnitude.
func swipeDuration(x1, y1, x2, y2 int) time.Duration {
	dx := x2 - x1
	if dx < 0 {
		dx = -dx
	}
	dy := y2 - y1
	if dy < 0 {
		dy = -dy
	}
	dist := dx
	if dy > dist {
		dist = dy
	}
	d := 300*time.Millisecond + time.Duration(dist/2)*time.Millisecond
	if d > 800*time.Millisecond {
		d = 800 * time.Millisecond
	}
	return d
}

// Dispatcher validates an action, translates coordinates against the current
// screenshot dimensions and routes the call to the device. It performs no
// network or model calls of its own.
type Dispatcher struct {
	device   DeviceIO
	deviceID string
	confirm  Confirmer
	takeover TakeoverHandler
	lang     Language
}

// NewDispatcher builds a dispatcher bound to one device. Nil callbacks fall
// back to the headless null objects.
func NewDispatcher(device DeviceIO, deviceID string, confirm Confirmer, takeover TakeoverHandler, lang Language) *Dispatcher {
	if confirm == nil {
		confirm = AutoApprove{}
	}
	if takeover == nil {
		takeover = AutoCancel{}
	}
	return &Dispatcher{
		device:   device,
		deviceID: deviceID,
		confirm:  confirm,
		takeover: takeover,
		lang:     lang,
	}
}

// Execute runs one action against the device. Semantic failures (unknown
// app, user denial) come back in the Outcome with the loop continuing;
// device and cancellation failures are returned as errors for the agent to
// classify.
func (d *Dispatcher) Execute(ctx context.Context, act Action, screenW, screenH int) (Outcome, error) {
	switch a := act.(type) {
	case LaunchAction:
		pkg, ok := ResolveApp(a.App)
		if !ok {
			return Outcome{Success: false, Message: Msg(d.lang, "app_not_supported")}, nil
		}
		if err := d.device.LaunchApp(ctx, d.deviceID, pkg); err != nil {
			if IsCancelled(err) {
				return Outcome{}, err
			}
			// Launch failures are not fatal; the model gets to see the
			// unchanged screen and try something else.
			LogWarn("dispatcher").Err(err).Str("app", a.App).Msg("launch failed")
			return Outcome{Success: false, Message: err.Error()}, nil
		}
		return Outcome{Success: true}, nil

	case TapAction:
		x, y := relPointToPixels(a.Point, screenW, screenH)
		if a.SensitiveMessage != "" {
			if !d.confirm.Confirm(a.SensitiveMessage) {
				// The tap is skipped, not failed: the loop continues and
				// the model is told the user declined.
				return Outcome{Success: true, Message: Msg(d.lang, "user_denied")}, nil
			}
		}
		if err := d.device.Tap(ctx, d.deviceID, x, y); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case DoubleTapAction:
		x, y := relPointToPixels(a.Point, screenW, screenH)
		if err := d.device.DoubleTap(ctx, d.deviceID, x, y); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case LongPressAction:
		x, y := relPointToPixels(a.Point, screenW, screenH)
		if err := d.device.LongPress(ctx, d.deviceID, x, y, 600*time.Millisecond); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case SwipeAction:
		x1, y1 := relPointToPixels(a.Start, screenW, screenH)
		x2, y2 := relPointToPixels(a.End, screenW, screenH)
		if err := d.device.Swipe(ctx, d.deviceID, x1, y1, x2, y2, swipeDuration(x1, y1, x2, y2)); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case TypeAction:
		if err := d.device.TypeText(ctx, d.deviceID, a.Text); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case BackAction:
		if err := d.device.KeyEvent(ctx, d.deviceID, keyEventBack); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case HomeAction:
		if err := d.device.KeyEvent(ctx, d.deviceID, keyEventHome); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true}, nil

	case WaitAction:
		dur := a.Duration
		if dur <= 0 {
			LogWarn("dispatcher").Dur("duration", dur).Msg("wait duration out of range, clamping")
			dur = minWaitDuration
		}
		if dur > maxWaitDuration {
			LogWarn("dispatcher").Dur("duration", dur).Msg("wait duration out of range, clamping")
			dur = maxWaitDuration
		}
		t := time.NewTimer(dur)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Outcome{}, cancelledErr("wait")
		case <-t.C:
		}
		return Outcome{Success: true}, nil

	case TakeOverAction:
		if err := d.takeover.Takeover(ctx, a.Message); err != nil {
			if IsCancelled(err) && ctx.Err() != nil {
				return Outcome{}, cancelledErr("takeover")
			}
			return Outcome{Success: false, Message: err.Error()}, nil
		}
		// The loop resumes with a fresh screenshot after the operator is done.
		return Outcome{Success: true, Message: Msg(d.lang, "takeover_done")}, nil

	case FinishAction:
		return Outcome{Success: true, ShouldFinish: true, Message: a.Message}, nil

	default:
		return Outcome{}, agentErr(KindInternal, "dispatch", "unhandled action variant", nil)
	}
}

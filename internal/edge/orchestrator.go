package edge

import (
	"time"
)

// State is the recording lifecycle state.
type State int

const (
	// StateIdle - no relevant activity, no session.
	StateIdle State = iota

	// StateDwell - first relevant detection seen; waiting out the dwell
	// period to suppress single-frame false positives.
	StateDwell

	// StateActive - recording session open, detections persisting.
	StateActive

	// StateClosing - detections went silent; post-roll running before the
	// session really ends.
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDwell:
		return "DWELL"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON implements json.Marshaler so the state serializes as its name
// in status responses.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// TimerKind identifies one of the three hysteresis timers.
type TimerKind int

const (
	TimerDwell TimerKind = iota
	TimerSilence
	TimerPostroll
)

func (k TimerKind) String() string {
	switch k {
	case TimerDwell:
		return "dwell"
	case TimerSilence:
		return "silence"
	case TimerPostroll:
		return "postroll"
	default:
		return "unknown"
	}
}

// Event is an input to the recording reducer.
type Event interface{ isEvent() }

// EventDetection reports one detection from a result. Relevant means the
// class passed the configured filter at or above the confidence threshold.
type EventDetection struct {
	Relevant bool
	Class    string
	Score    float32
}

// EventKeepalive reports a result that carried nothing relevant; it proves
// the worker is alive but never extends a session.
type EventKeepalive struct{}

// EventTimer reports that the adapter's timer of the given kind expired.
type EventTimer struct {
	Timer TimerKind
}

// EventSessionOpened is fired after the store assigned a session id.
type EventSessionOpened struct {
	SessionID string
}

// EventSessionClosed is fired after the store acknowledged a close.
type EventSessionClosed struct {
	SessionID string
}

// EventDisconnected reports that the worker connection dropped. Sessions do
// not span reconnects: frame ids restart per connection, so a session
// continuing across one would persist a non-monotonic frame sequence. The
// running session is closed and the next activation opens a fresh one.
type EventDisconnected struct{}

func (EventDetection) isEvent()     {}
func (EventKeepalive) isEvent()     {}
func (EventTimer) isEvent()         {}
func (EventSessionOpened) isEvent() {}
func (EventSessionClosed) isEvent() {}
func (EventDisconnected) isEvent()  {}

// Command is a side effect requested by the reducer and executed by the
// adapter. Commands are plain values so transitions can be asserted without
// any I/O in place.
type Command interface{ isCommand() }

// CmdStartStream launches the RTSP publisher child.
type CmdStartStream struct{}

// CmdStopStream stops the publisher child.
type CmdStopStream struct{}

// CmdOpenSession asks the store for a new session id; the response comes
// back as EventSessionOpened.
type CmdOpenSession struct {
	At time.Time
}

// CmdCloseSession closes the session at the store and tells the worker to
// finalize its artifacts. SessionID may be empty when the store never
// answered the open; the adapter skips the store call then.
type CmdCloseSession struct {
	SessionID string
	At        time.Time
	Classes   []string
}

// CmdSetAIFPSMode switches the feeder between the idle and active sampling
// rates.
type CmdSetAIFPSMode struct {
	Active bool
}

// CmdArmTimer (re)arms the timer of the given kind; an already-running timer
// of the same kind is replaced.
type CmdArmTimer struct {
	Timer    TimerKind
	Duration time.Duration
}

// CmdCancelTimer stops the timer of the given kind if it is running.
type CmdCancelTimer struct {
	Timer TimerKind
}

func (CmdStartStream) isCommand()  {}
func (CmdStopStream) isCommand()   {}
func (CmdOpenSession) isCommand()  {}
func (CmdCloseSession) isCommand() {}
func (CmdSetAIFPSMode) isCommand() {}
func (CmdArmTimer) isCommand()     {}
func (CmdCancelTimer) isCommand()  {}

// Recording is the reducer's state: the lifecycle state plus the session
// bookkeeping that belongs to it. It is passed and returned by value;
// Reduce never mutates its input.
type Recording struct {
	State          State
	SessionID      string
	Classes        []string
	LastRelevantAt time.Time
	DwellEnteredAt time.Time
	ActiveSince    time.Time
}

// Reducer computes recording transitions. It performs no I/O and keeps no
// clock: the caller supplies now, which makes every transition replayable in
// tests.
type Reducer struct {
	Dwell    time.Duration
	Silence  time.Duration
	Postroll time.Duration
}

// Reduce applies one event and returns the next state plus the commands the
// adapter must execute, in order.
func (r Reducer) Reduce(rec Recording, ev Event, now time.Time) (Recording, []Command) {
	switch ev := ev.(type) {
	case EventDetection:
		if !ev.Relevant {
			return rec, nil
		}
		return r.onRelevant(rec, ev, now)
	case EventKeepalive:
		return rec, nil
	case EventTimer:
		return r.onTimer(rec, ev.Timer, now)
	case EventSessionOpened:
		return r.onSessionOpened(rec, ev, now)
	case EventSessionClosed:
		return rec, nil
	case EventDisconnected:
		return r.onDisconnected(rec, now)
	default:
		return rec, nil
	}
}

func (r Reducer) onRelevant(rec Recording, ev EventDetection, now time.Time) (Recording, []Command) {
	switch rec.State {
	case StateIdle:
		rec.State = StateDwell
		rec.DwellEnteredAt = now
		rec.LastRelevantAt = now
		rec.Classes = appendClass(nil, ev.Class)
		return rec, []Command{
			CmdArmTimer{Timer: TimerDwell, Duration: r.Dwell},
		}

	case StateDwell:
		// The dwell timer is fixed: detections during dwell never extend it.
		rec.LastRelevantAt = now
		rec.Classes = appendClass(rec.Classes, ev.Class)
		return rec, nil

	case StateActive:
		rec.LastRelevantAt = now
		rec.Classes = appendClass(rec.Classes, ev.Class)
		return rec, []Command{
			CmdArmTimer{Timer: TimerSilence, Duration: r.Silence},
		}

	case StateClosing:
		// Re-activation: the gap was shorter than the post-roll, so the
		// same logical event continues under the same session id.
		rec.State = StateActive
		rec.LastRelevantAt = now
		rec.Classes = appendClass(rec.Classes, ev.Class)
		return rec, []Command{
			CmdCancelTimer{Timer: TimerPostroll},
			CmdArmTimer{Timer: TimerSilence, Duration: r.Silence},
			CmdSetAIFPSMode{Active: true},
		}
	}
	return rec, nil
}

func (r Reducer) onTimer(rec Recording, kind TimerKind, now time.Time) (Recording, []Command) {
	// A timer firing in the wrong state is stale (canceled a moment too
	// late); it must not disturb the current state.
	switch {
	case kind == TimerDwell && rec.State == StateDwell:
		rec.State = StateActive
		rec.ActiveSince = now
		return rec, []Command{
			CmdStartStream{},
			CmdOpenSession{At: now},
			CmdSetAIFPSMode{Active: true},
			CmdArmTimer{Timer: TimerSilence, Duration: r.Silence},
		}

	case kind == TimerSilence && rec.State == StateActive:
		rec.State = StateClosing
		return rec, []Command{
			CmdSetAIFPSMode{Active: false},
			CmdArmTimer{Timer: TimerPostroll, Duration: r.Postroll},
		}

	case kind == TimerPostroll && rec.State == StateClosing:
		cmds := []Command{
			CmdStopStream{},
			CmdCloseSession{SessionID: rec.SessionID, At: now, Classes: rec.Classes},
		}
		return clearSession(rec), cmds
	}
	return rec, nil
}

func (r Reducer) onSessionOpened(rec Recording, ev EventSessionOpened, now time.Time) (Recording, []Command) {
	if rec.State == StateActive || rec.State == StateClosing {
		rec.SessionID = ev.SessionID
		return rec, nil
	}
	// The store answered after the recording already ended; close the
	// orphan straight away so it does not dangle open.
	return rec, []Command{
		CmdCloseSession{SessionID: ev.SessionID, At: now, Classes: rec.Classes},
	}
}

func (r Reducer) onDisconnected(rec Recording, now time.Time) (Recording, []Command) {
	switch rec.State {
	case StateIdle:
		return rec, nil

	case StateDwell:
		cmds := []Command{CmdCancelTimer{Timer: TimerDwell}}
		return clearSession(rec), cmds

	case StateActive:
		cmds := []Command{
			CmdCancelTimer{Timer: TimerSilence},
			CmdStopStream{},
			CmdCloseSession{SessionID: rec.SessionID, At: now, Classes: rec.Classes},
			CmdSetAIFPSMode{Active: false},
		}
		return clearSession(rec), cmds

	case StateClosing:
		cmds := []Command{
			CmdCancelTimer{Timer: TimerPostroll},
			CmdStopStream{},
			CmdCloseSession{SessionID: rec.SessionID, At: now, Classes: rec.Classes},
		}
		return clearSession(rec), cmds
	}
	return rec, nil
}

func clearSession(rec Recording) Recording {
	rec.State = StateIdle
	rec.SessionID = ""
	rec.Classes = nil
	rec.ActiveSince = time.Time{}
	rec.DwellEnteredAt = time.Time{}
	return rec
}

// appendClass adds class to the set without mutating the input slice.
func appendClass(classes []string, class string) []string {
	for _, c := range classes {
		if c == class {
			return classes
		}
	}
	out := make([]string, 0, len(classes)+1)
	out = append(out, classes...)
	return append(out, class)
}

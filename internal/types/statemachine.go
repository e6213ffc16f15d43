package types

// Terminal command lifecycle transition rules.
//
// State diagram:
//
//	CREATED ──► SENT ──► ACK ──► COMPLETED (timeout, send failed, offline, cancelled)
//	   │  ▲  │     │             ▲
//	   │  └──┘     └─────────────┤
//	   ├────────────────► ACK    │
//	   └─────────────────────────┘
//
// COMPLETED statuses are terminal. A status may repeat to refresh its
// fields: a re-send carries a new sentTm and msgSn, a duplicate ack a new
// ack payload.

// stage orders statuses along the lifecycle. Every completed status shares
// the last stage.
func stage(s Status) int {
	switch {
	case s == StatusCreated:
		return 0
	case s == StatusSent:
		return 1
	case s == StatusAck:
		return 2
	case IsCompletedStatus(s):
		return 3
	}
	return -1
}

// ValidTransition reports whether a command in status from may move to to.
// Moves never go back a stage, never leave a completed status and never
// target Created.
func ValidTransition(from, to Status) bool {
	if to == StatusCreated || IsCompletedStatus(from) {
		return false
	}
	f, t := stage(from), stage(to)
	if f < 0 || t < 0 {
		return false
	}
	return t >= f
}

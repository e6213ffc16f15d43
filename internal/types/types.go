// Package types contains the core domain types shared across all gnssbus
// internal packages. It deliberately has zero imports of other gnssbus
// packages so that storage, cache, event bus and the command lifecycle can
// all depend on it without creating import cycles.
package types

import (
	"encoding/json"
)

// Status is the lifecycle state of a terminal command.
//
// Values are persisted (f_status column / bbolt JSON) and published on the
// event bus, so they must never be renumbered.
type Status = int

const (
	// StatusCreated means the command record exists but has not been sent to
	// the terminal yet.
	StatusCreated Status = 0
	// StatusSent means the gateway wrote the command to the terminal link and
	// assigned it a device-facing sequence number.
	StatusSent Status = 1
	// StatusAck means the terminal acknowledged the command. This is the
	// successful terminal state.
	StatusAck Status = 2

	// Completed statuses (>= 3) are terminal failure/abort states.

	// StatusTimeout means no acknowledgement arrived within the ack deadline.
	StatusTimeout Status = 3
	// StatusSendFailed means the command could not be written to the terminal.
	StatusSendFailed Status = 4
	// StatusOffline means the terminal was offline when the command was due.
	StatusOffline Status = 5
	// StatusCancelled means the command was withdrawn by the requester.
	StatusCancelled Status = 6
)

// StatusName returns a human-readable representation of the status.
func StatusName(s Status) string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSent:
		return "sent"
	case StatusAck:
		return "ack"
	case StatusTimeout:
		return "timeout"
	case StatusSendFailed:
		return "send_failed"
	case StatusOffline:
		return "offline"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsAckOrCompletedStatus reports whether s is Ack or one of the known
// completed statuses.
func IsAckOrCompletedStatus(s Status) bool {
	return s >= StatusAck && s <= StatusCancelled
}

// IsCompletedStatus reports whether s is a terminal status other than Ack.
func IsCompletedStatus(s Status) bool {
	return s > StatusAck && s <= StatusCancelled
}

// TermCmd is a command issued to a tracking terminal.
//
// Design rules:
//   - ID is assigned once (ULID) and never changes.
//   - All timestamps are UTC milliseconds since Unix epoch. Optional
//     timestamps are nil until the corresponding transition happens.
//   - Params and AckParams are opaque to gnssbus; producers own the encoding.
type TermCmd struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"`

	AppID      string `json:"appId"`
	SimNo      string `json:"simNo"`
	MsgID      string `json:"msgId,omitempty"`
	SubCmdTyp  string `json:"subCmdTyp,omitempty"`
	ReqID      string `json:"reqId,omitempty"`
	PlateNo    string `json:"plateNo,omitempty"`
	PlateColor *int   `json:"plateColor,omitempty"`

	Status Status `json:"status"`

	ReqTm  int64  `json:"reqTm"`
	SentTm *int64 `json:"sentTm,omitempty"`
	AckTm  *int64 `json:"ackTm,omitempty"`
	EndTm  *int64 `json:"endTm,omitempty"`

	// MsgSn is the device-facing sequence number assigned when sent.
	MsgSn *int `json:"msgSn,omitempty"`

	AckMsgID  string          `json:"ackMsgId,omitempty"`
	AckSeqNo  *int            `json:"ackSeqNo,omitempty"`
	AckCode   *int            `json:"ackCode,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	AckParams json.RawMessage `json:"ackParams,omitempty"`
}

// Clone returns a deep copy of the command. Callers may mutate the result
// freely without affecting the original.
func (c *TermCmd) Clone() *TermCmd {
	if c == nil {
		return nil
	}
	r := *c
	r.PlateColor = cloneInt(c.PlateColor)
	r.SentTm = cloneInt64(c.SentTm)
	r.AckTm = cloneInt64(c.AckTm)
	r.EndTm = cloneInt64(c.EndTm)
	r.MsgSn = cloneInt(c.MsgSn)
	r.AckSeqNo = cloneInt(c.AckSeqNo)
	r.AckCode = cloneInt(c.AckCode)
	r.Params = cloneRaw(c.Params)
	r.AckParams = cloneRaw(c.AckParams)
	return &r
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// ─── Bus events ───────────────────────────────────────────────────────────────

// TermCmdStateChanged is published for every accepted status transition.
type TermCmdStateChanged struct {
	// ID is a random correlation id (UUID) unique to this event.
	ID string `json:"id"`
	// Pub is the instance id of the service that produced the event.
	Pub string `json:"pub"`
	// Cmd is a snapshot of the command after the transition.
	Cmd *TermCmd `json:"cmd"`
	// Tm is the wall-clock time of the change, UTC milliseconds.
	Tm int64 `json:"tm"`
}

// OnlineOfflineNotif reports a terminal connecting to or leaving a gateway.
type OnlineOfflineNotif struct {
	AppID   string `json:"appId"`
	SimNo   string `json:"simNo"`
	Online  bool   `json:"online"`
	Gateway string `json:"gateway,omitempty"`
	Tm      int64  `json:"tm"`
}

// Event is an alarm or business event raised by a terminal.
type Event struct {
	ID     string          `json:"id"`
	AppID  string          `json:"appId"`
	SimNo  string          `json:"simNo"`
	Typ    string          `json:"typ"`
	Tm     int64           `json:"tm"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CmdAsyncCompletedMsg reports that a long-running command (for example a
// media upload) finished outside the normal ack path.
type CmdAsyncCompletedMsg struct {
	CmdID   string          `json:"cmdId"`
	AppID   string          `json:"appId"`
	SimNo   string          `json:"simNo"`
	Success bool            `json:"success"`
	Tm      int64           `json:"tm"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// FetchAlmAttReq asks the alarm-attachment subsystem to fetch the media files
// attached to an alarm.
type FetchAlmAttReq struct {
	AlmID  string `json:"almId"`
	AppID  string `json:"appId"`
	SimNo  string `json:"simNo"`
	AlmNo  string `json:"almNo"`
	FileNo int    `json:"fileNo"`
	Tm     int64  `json:"tm"`
}

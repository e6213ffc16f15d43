package types_test

import (
	"encoding/json"
	"testing"

	"github.com/snehjoshi/gnssbus/internal/types"
)

func TestIsAckOrCompletedStatus(t *testing.T) {
	cases := map[int]bool{
		types.StatusCreated:    false,
		types.StatusSent:       false,
		types.StatusAck:        true,
		types.StatusTimeout:    true,
		types.StatusSendFailed: true,
		types.StatusOffline:    true,
		types.StatusCancelled:  true,
		7:                      false,
		-1:                     false,
	}
	for s, want := range cases {
		if got := types.IsAckOrCompletedStatus(s); got != want {
			t.Errorf("IsAckOrCompletedStatus(%d) = %v, want %v", s, got, want)
		}
	}
	if types.IsCompletedStatus(types.StatusAck) {
		t.Error("Ack is not a completed status")
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to int
		want     bool
	}{
		{types.StatusCreated, types.StatusSent, true},
		{types.StatusCreated, types.StatusAck, true},
		{types.StatusCreated, types.StatusOffline, true},
		{types.StatusSent, types.StatusAck, true},
		{types.StatusSent, types.StatusTimeout, true},
		{types.StatusSent, types.StatusSent, true},
		{types.StatusAck, types.StatusAck, true},
		{types.StatusAck, types.StatusTimeout, true},
		{types.StatusSent, types.StatusCreated, false},
		{types.StatusCreated, types.StatusCreated, false},
		{types.StatusAck, types.StatusSent, false},
		{types.StatusTimeout, types.StatusCancelled, false},
		{types.StatusTimeout, types.StatusAck, false},
		{types.StatusCancelled, types.StatusSent, false},
		{types.StatusSent, 42, false},
	}
	for _, c := range cases {
		if got := types.ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v",
				types.StatusName(c.from), types.StatusName(c.to), got, c.want)
		}
	}
}

func TestTermCmd_CloneIsDeep(t *testing.T) {
	orig := &types.TermCmd{
		ID:        "c1",
		SimNo:     "13800000000",
		SentTm:    types.Int64(100),
		MsgSn:     types.Int(7),
		Params:    json.RawMessage(`{"a":1}`),
		AckParams: json.RawMessage(`{"b":2}`),
	}
	c := orig.Clone()
	*c.SentTm = 999
	*c.MsgSn = 8
	c.Params[2] = 'z'
	c.Status = types.StatusAck

	if *orig.SentTm != 100 || *orig.MsgSn != 7 {
		t.Error("clone shares pointer fields with the original")
	}
	if string(orig.Params) != `{"a":1}` {
		t.Errorf("clone shares Params buffer: %s", orig.Params)
	}
	if orig.Status != types.StatusCreated {
		t.Error("clone shares status")
	}
	if (*types.TermCmd)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestTermCmd_JSONFieldNames(t *testing.T) {
	c := &types.TermCmd{ID: "c1", ExternalID: "e1", AppID: "app", SimNo: "s", ReqTm: 5, AckSeqNo: types.Int(3)}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"id", "externalId", "appId", "simNo", "reqTm", "status", "ackSeqNo"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing json key %q in %s", k, b)
		}
	}
	if _, ok := m["sentTm"]; ok {
		t.Error("unset optional timestamp should be omitted")
	}
}

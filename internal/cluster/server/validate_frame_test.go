package server

import (
	"strconv"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/replay"
)

func TestValidateFrame_PassesThroughWithoutTimestamp(t *testing.T) {
	c := &conn{guard: replay.New()}
	ok, reason := c.validateFrame([]byte(`{"jsonrpc":"2.0","method":"metrics.update","params":{}}`))
	if !ok || reason != replay.ReasonOK {
		t.Fatalf("want frames without a timestamp to pass unchecked, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateFrame_AcceptsFreshThenRejectsReplay(t *testing.T) {
	c := &conn{guard: replay.New()}
	ts := time.Now().Unix()
	frame := []byte(`{"jsonrpc":"2.0","method":"metrics.update","params":{},"timestamp":` + strconv.FormatInt(ts, 10) + `,"nonce":"n-1"}`)

	ok, reason := c.validateFrame(frame)
	if !ok || reason != replay.ReasonOK {
		t.Fatalf("first frame should pass, got ok=%v reason=%q", ok, reason)
	}

	ok, reason = c.validateFrame(frame)
	if ok || reason != replay.ReasonReplay {
		t.Fatalf("repeated nonce should be rejected as replay, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidateFrame_MalformedJSONPassesThrough(t *testing.T) {
	c := &conn{guard: replay.New()}
	ok, reason := c.validateFrame([]byte(`not json`))
	if !ok || reason != replay.ReasonOK {
		t.Fatalf("malformed frames are left for the normal decode path to reject, got ok=%v reason=%q", ok, reason)
	}
}

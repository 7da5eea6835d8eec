package heos

import (
	"errors"
	"testing"

	"github.com/sonatahub/sonata-core/internal/gateway"
)

func TestEncodeCommand(t *testing.T) {
	cases := []struct {
		name    string
		command string
		params  gateway.Params
		want    string
	}{
		{"bare", "system/heart_beat", nil, "heos://system/heart_beat\r\n"},
		{"one param", "player/get_volume", gateway.Params{"pid": "5"}, "heos://player/get_volume?pid=5\r\n"},
		{
			"params sorted",
			"player/set_volume",
			gateway.Params{"level": "30", "pid": "5"},
			"heos://player/set_volume?level=30&pid=5\r\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := encodeCommand(tc.command, tc.params); got != tc.want {
				t.Errorf("encodeCommand() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeVolumeFromMessageField(t *testing.T) {
	// Volume rides the message field, not the payload.
	line := []byte(`{"heos": {"command": "player/get_volume", "result": "success", "message": "pid=5&level=30"}}`)
	res, err := decodeResponse(line, "player/get_volume")
	if err != nil {
		t.Fatalf("decodeResponse() error = %v", err)
	}
	payload := res.Payload.(map[string]any)
	if payload["level"] != 30 {
		t.Errorf("level = %v (%T), want int 30", payload["level"], payload["level"])
	}
}

func TestDecodePlayStateCanonicalized(t *testing.T) {
	cases := []struct{ wire, want string }{
		{"play", "playing"},
		{"pause", "paused"},
		{"stop", "stopped"},
	}
	for _, tc := range cases {
		line := []byte(`{"heos": {"command": "player/get_play_state", "result": "success", "message": "pid=5&state=` + tc.wire + `"}}`)
		res, err := decodeResponse(line, "player/get_play_state")
		if err != nil {
			t.Fatalf("decodeResponse(%q) error = %v", tc.wire, err)
		}
		if got := res.Payload.(map[string]any)["state"]; got != tc.want {
			t.Errorf("state = %v, want %q", got, tc.want)
		}
	}
}

func TestDecodePlayersPayload(t *testing.T) {
	line := []byte(`{"heos": {"command": "player/get_players", "result": "success", "message": ""},` +
		` "payload": [{"name": "Kitchen", "pid": 101, "model": "Sonata One"}]}`)
	res, err := decodeResponse(line, "player/get_players")
	if err != nil {
		t.Fatalf("decodeResponse() error = %v", err)
	}
	players := res.Payload.(map[string]any)["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("players = %v", players)
	}
	first := players[0].(map[string]any)
	if first["name"] != "Kitchen" || first["pid"] != float64(101) {
		t.Errorf("player entry = %v", first)
	}
}

func TestDecodeRejectionIsProtocolError(t *testing.T) {
	line := []byte(`{"heos": {"command": "player/set_volume", "result": "fail", "message": "eid=9&text=Out of range"}}`)
	_, err := decodeResponse(line, "player/set_volume")
	if !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("decodeResponse() error = %v, want protocol failure", err)
	}
	var pe *gateway.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatal("error is not *gateway.ProtocolError")
	}
	if pe.Code != 9 || pe.Message != "Out of range" {
		t.Errorf("protocol error = %+v", pe)
	}
}

func TestDecodeMalformedLine(t *testing.T) {
	_, err := decodeResponse([]byte("not json"), "system/heart_beat")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("decodeResponse() error = %v, want ErrMalformed", err)
	}
}

func TestDecodeGenericFallsBackToMessage(t *testing.T) {
	line := []byte(`{"heos": {"command": "player/get_mute", "result": "success", "message": "pid=5&state=on"}}`)
	res, err := decodeResponse(line, "player/get_mute")
	if err != nil {
		t.Fatalf("decodeResponse() error = %v", err)
	}
	payload := res.Payload.(map[string]any)
	if payload["state"] != "on" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnderProcess(t *testing.T) {
	interim := []byte(`{"heos": {"command": "player/play_queue", "result": "success", "message": "command under process"}}`)
	if !underProcess(interim) {
		t.Error("interim acknowledgement not recognized")
	}
	final := []byte(`{"heos": {"command": "player/play_queue", "result": "success", "message": "pid=5"}}`)
	if underProcess(final) {
		t.Error("final response mistaken for interim acknowledgement")
	}
}

func TestWireParamsTranslatesPlayState(t *testing.T) {
	out := wireParams("player/set_play_state", gateway.Params{"pid": "5", "state": "playing"})
	if out["state"] != "play" {
		t.Errorf("state = %q, want wire value play", out["state"])
	}
	// Input map untouched.
	in := gateway.Params{"state": "paused"}
	_ = wireParams("player/set_play_state", in)
	if in["state"] != "paused" {
		t.Error("wireParams mutated its input")
	}
}

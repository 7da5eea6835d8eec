package heos

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/sonatahub/sonata-core/internal/gateway"
)

// Commands with dedicated response normalization. Everything else passes
// through generically.
const (
	commandGetVolume    = "player/get_volume"
	commandSetVolume    = "player/set_volume"
	commandGetPlayState = "player/get_play_state"
	commandSetPlayState = "player/set_play_state"
	commandGetPlayers   = "player/get_players"
	commandHeartBeat    = "system/heart_beat"
)

// envelope is the wire shape of a response line.
type envelope struct {
	Heos struct {
		Command string `json:"command"`
		Result  string `json:"result"`
		Message string `json:"message"`
	} `json:"heos"`
	Payload json.RawMessage `json:"payload"`
}

// encodeCommand renders one request line. Parameters are sorted so a
// command renders identically run to run.
func encodeCommand(command string, params gateway.Params) string {
	var b strings.Builder
	b.WriteString("heos://")
	b.WriteString(command)
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := "?"
		for _, k := range keys {
			b.WriteString(sep)
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(params[k])
			sep = "&"
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

// decodeResponse parses one response line and normalizes it for the
// issued command. Device rejections come back as *gateway.ProtocolError.
func decodeResponse(line []byte, command string) (gateway.Result, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return gateway.Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Heos.Result != "success" {
		return gateway.Result{}, rejectionError(env.Heos.Message)
	}
	return normalize(env, command)
}

// underProcess reports the interim acknowledgement some devices send
// before the real answer; the caller reads the next line.
func underProcess(line []byte) bool {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return false
	}
	return strings.Contains(env.Heos.Message, "command under process")
}

// rejectionError turns a failed envelope's message ("eid=2&text=...")
// into a protocol error.
func rejectionError(message string) error {
	values := parseMessage(message)
	code, _ := strconv.Atoi(values.Get("eid"))
	text := values.Get("text")
	if text == "" {
		text = message
	}
	return &gateway.ProtocolError{Code: code, Message: text}
}

// normalize shapes the envelope into the payload contract callers rely
// on. Several commands report their values in the message field rather
// than the payload; that asymmetry stops here.
func normalize(env envelope, command string) (gateway.Result, error) {
	values := parseMessage(env.Heos.Message)

	switch command {
	case commandGetVolume, commandSetVolume:
		level, err := strconv.Atoi(values.Get("level"))
		if err != nil {
			return gateway.Result{}, fmt.Errorf("%w: missing level in %q", ErrMalformed, env.Heos.Message)
		}
		return gateway.Result{Payload: map[string]any{"level": level}}, nil

	case commandGetPlayState, commandSetPlayState:
		state := values.Get("state")
		if state == "" {
			return gateway.Result{}, fmt.Errorf("%w: missing state in %q", ErrMalformed, env.Heos.Message)
		}
		return gateway.Result{Payload: map[string]any{"state": canonicalPlayState(state)}}, nil

	case commandGetPlayers:
		var players []any
		if err := json.Unmarshal(env.Payload, &players); err != nil {
			return gateway.Result{}, fmt.Errorf("%w: players payload: %v", ErrMalformed, err)
		}
		return gateway.Result{Payload: map[string]any{"players": players}}, nil
	}

	// Generic: a JSON payload wins, otherwise the message parameters.
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return gateway.Result{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		return gateway.Result{Payload: payload}, nil
	}
	generic := make(map[string]any, len(values))
	for k := range values {
		generic[k] = values.Get(k)
	}
	return gateway.Result{Payload: generic}, nil
}

// parseMessage splits the query-string-shaped message field. Malformed
// fragments are dropped rather than failing the whole response.
func parseMessage(message string) url.Values {
	values, err := url.ParseQuery(message)
	if err != nil {
		values = url.Values{}
		for _, pair := range strings.Split(message, "&") {
			if k, v, ok := strings.Cut(pair, "="); ok && k != "" {
				values.Set(k, v)
			}
		}
	}
	return values
}

// canonicalPlayState maps wire transport states to the registry's
// vocabulary. Unknown values pass through and fail validation upstream.
func canonicalPlayState(wire string) string {
	switch wire {
	case "play":
		return "playing"
	case "pause":
		return "paused"
	case "stop":
		return "stopped"
	default:
		return wire
	}
}

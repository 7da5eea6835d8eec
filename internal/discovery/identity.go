package discovery

import (
	"context"
	"fmt"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/gateway"
)

// CommandGetPlayers asks a device for its player roster. The protocol
// layer normalizes the answer to {"players": [{"pid","name","model",
// "serial","version"}, ...]}.
const CommandGetPlayers = "player/get_players"

// Sender is the slice of the command gateway identity resolution uses.
type Sender interface {
	Send(ctx context.Context, address, command string, params gateway.Params) (gateway.Result, error)
}

// CommandResolver resolves device identity by asking the device itself,
// riding the gateway's per-address serialization. One endpoint can host
// several players; the first reported player identifies the endpoint.
type CommandResolver struct {
	sender Sender
}

// NewCommandResolver creates a resolver over the command gateway.
func NewCommandResolver(sender Sender) *CommandResolver {
	return &CommandResolver{sender: sender}
}

// Resolve implements Resolver.
func (r *CommandResolver) Resolve(ctx context.Context, address string) (device.Identity, error) {
	res, err := r.sender.Send(ctx, address, CommandGetPlayers, nil)
	if err != nil {
		return device.Identity{}, err
	}
	return identityFromPayload(res.Payload)
}

// identityFromPayload extracts the first player from a normalized
// get_players payload.
func identityFromPayload(payload any) (device.Identity, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return device.Identity{}, fmt.Errorf("players payload is %T, want object", payload)
	}
	players, ok := m["players"].([]any)
	if !ok || len(players) == 0 {
		return device.Identity{}, fmt.Errorf("players payload has no players")
	}
	first, ok := players[0].(map[string]any)
	if !ok {
		return device.Identity{}, fmt.Errorf("player entry is %T, want object", players[0])
	}
	id := device.Identity{
		PlayerID: stringField(first, "pid"),
		Name:     stringField(first, "name"),
		Model:    stringField(first, "model"),
		Serial:   stringField(first, "serial"),
		Version:  stringField(first, "version"),
	}
	if id.PlayerID == "" {
		return device.Identity{}, fmt.Errorf("player entry has no pid")
	}
	return id, nil
}

func stringField(m map[string]any, field string) string {
	switch v := m[field].(type) {
	case string:
		return v
	case float64:
		// Wire player IDs are numeric; the registry keys on strings.
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

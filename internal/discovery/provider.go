package discovery

import "context"

// Found is one device candidate reported by a provider. Address is the
// only required field; descriptive attributes are filled in when the
// provider's transport carries them (mDNS TXT records do, a static
// address list does not).
type Found struct {
	Address string
	Name    string
	Model   string
	Serial  string
	Version string
}

// Provider enumerates candidate devices through one transport.
type Provider interface {
	// Name identifies the provider in logs and error entries.
	Name() string

	// Discover performs one enumeration pass. It honors ctx deadlines
	// and returns whatever it found; an empty slice is not an error.
	Discover(ctx context.Context) ([]Found, error)
}

// StaticProvider reports a fixed address list from configuration. It
// covers devices on segments where multicast does not reach.
type StaticProvider struct {
	Addresses []string
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) Discover(context.Context) ([]Found, error) {
	found := make([]Found, 0, len(s.Addresses))
	for _, addr := range s.Addresses {
		if addr == "" {
			continue
		}
		found = append(found, Found{Address: addr})
	}
	return found, nil
}

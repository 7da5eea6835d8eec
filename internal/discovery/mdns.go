package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultService is the multicast DNS service type playback devices
// announce themselves under.
const DefaultService = "_sonata-audio._tcp.local."

const (
	mdnsGroupAddress   = "224.0.0.251:5353"
	defaultMDNSTimeout = 2 * time.Second
)

// MDNSProvider enumerates devices with a one-shot multicast DNS query:
// one PTR question for the service type, then it collects announcements
// until the listen window closes. Devices answer the PTR with their SRV,
// TXT and A records in the same packet, so a single exchange is enough
// on a healthy segment.
type MDNSProvider struct {
	// Service overrides the queried service type. Defaults to
	// DefaultService.
	Service string

	// Timeout is the listen window for responses. Defaults to 2s.
	Timeout time.Duration
}

func (p *MDNSProvider) Name() string { return "mdns" }

// Discover implements Provider. Silence on the wire is an empty result,
// not an error; only socket-level failures are errors.
func (p *MDNSProvider) Discover(ctx context.Context) ([]Found, error) {
	service := dns.Fqdn(p.Service)
	if p.Service == "" {
		service = DefaultService
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultMDNSTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.Dial("udp4", mdnsGroupAddress)
	if err != nil {
		return nil, fmt.Errorf("mdns: open socket: %w", err)
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(service, dns.TypePTR)
	query.RecursionDesired = false
	query.Id = 0 // multicast queries carry ID zero

	wire, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("mdns: pack query: %w", err)
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, fmt.Errorf("mdns: send query: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("mdns: set deadline: %w", err)
	}

	set := newRecordSet(service)
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			// The listen window closing is the normal end of the sweep.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("mdns: read response: %w", err)
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue // not ours, or mangled
		}
		set.absorb(msg)
	}
	return set.devices(), nil
}

// recordSet accumulates mDNS records across response packets and
// assembles them into device reports. DNS names are case-insensitive;
// keys are lowercased.
type recordSet struct {
	service   string
	instances map[string]struct{}
	srv       map[string]*dns.SRV
	txt       map[string][]string
	addrs     map[string][]net.IP
}

func newRecordSet(service string) *recordSet {
	return &recordSet{
		service:   strings.ToLower(service),
		instances: make(map[string]struct{}),
		srv:       make(map[string]*dns.SRV),
		txt:       make(map[string][]string),
		addrs:     make(map[string][]net.IP),
	}
}

func (s *recordSet) absorb(msg *dns.Msg) {
	for _, rr := range msg.Answer {
		s.record(rr)
	}
	for _, rr := range msg.Extra {
		s.record(rr)
	}
}

func (s *recordSet) record(rr dns.RR) {
	name := strings.ToLower(rr.Header().Name)
	switch r := rr.(type) {
	case *dns.PTR:
		if name == s.service {
			s.instances[strings.ToLower(r.Ptr)] = struct{}{}
		}
	case *dns.SRV:
		s.srv[name] = r
	case *dns.TXT:
		s.txt[name] = append(s.txt[name], r.Txt...)
	case *dns.A:
		s.addrs[name] = append(s.addrs[name], r.A)
	}
}

// devices assembles one Found per announced instance that resolved to a
// routable IPv4 address. Link-local addresses are skipped.
func (s *recordSet) devices() []Found {
	var found []Found
	for instance := range s.instances {
		srv, ok := s.srv[instance]
		if !ok {
			continue
		}
		var ip net.IP
		for _, a := range s.addrs[strings.ToLower(srv.Target)] {
			if a.IsLinkLocalUnicast() {
				continue
			}
			ip = a
			break
		}
		if ip == nil {
			continue
		}
		txt := parseTXT(s.txt[instance])
		found = append(found, Found{
			Address: ip.String(),
			Name:    instanceLabel(instance, s.service),
			Model:   txt["model"],
			Version: txt["vers"],
			Serial:  txt["did"],
		})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Name != found[j].Name {
			return found[i].Name < found[j].Name
		}
		return found[i].Address < found[j].Address
	})
	return found
}

// parseTXT splits key=value TXT strings into a map.
func parseTXT(entries []string) map[string]string {
	kv := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		kv[strings.ToLower(k)] = v
	}
	return kv
}

// instanceLabel strips the service suffix from an instance FQDN, leaving
// the announced display name.
func instanceLabel(instance, service string) string {
	label := strings.TrimSuffix(instance, service)
	label = strings.TrimSuffix(label, ".")
	return label
}

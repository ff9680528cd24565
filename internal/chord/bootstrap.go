package chord

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/zde37/chordring/pkg"
)

// Bootstrapper finds one reachable ring member to join through. A nil
// endpoint with a nil error means nobody answered and the caller should form
// a new ring.
type Bootstrapper interface {
	FindBootstrapNode(ctx context.Context) (*Endpoint, error)
}

// BootstrapperFunc adapts a function to the Bootstrapper interface.
type BootstrapperFunc func(ctx context.Context) (*Endpoint, error)

func (f BootstrapperFunc) FindBootstrapNode(ctx context.Context) (*Endpoint, error) {
	return f(ctx)
}

// ProbeBootstrapper health-checks a fixed candidate list in windows of
// parallel probes and returns the first responder in list order.
type ProbeBootstrapper struct {
	sender      RequestSender
	candidates  []*Endpoint
	timeout     time.Duration
	parallelism int
	logger      *pkg.Logger
}

// NewProbeBootstrapper creates a bootstrapper over candidates. Candidates
// whose address equals self are dropped.
func NewProbeBootstrapper(sender RequestSender, candidates []*Endpoint, self string, timeout time.Duration, parallelism int, logger *pkg.Logger) (*ProbeBootstrapper, error) {
	if sender == nil {
		return nil, fmt.Errorf("request sender cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("probe timeout must be positive")
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	filtered := make([]*Endpoint, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.Address() == self {
			continue
		}
		filtered = append(filtered, c.Copy())
	}

	return &ProbeBootstrapper{
		sender:      sender,
		candidates:  filtered,
		timeout:     timeout,
		parallelism: parallelism,
		logger:      logger.WithFields(pkg.Fields{"component": "bootstrap"}),
	}, nil
}

// Candidates returns the number of addresses that will be probed.
func (b *ProbeBootstrapper) Candidates() int {
	return len(b.candidates)
}

// FindBootstrapNode probes candidates until a ring member answers a health
// check.
// Every probe is bounded by the probe timeout, so the call returns after at
// most ceil(candidates/parallelism) timeouts.
func (b *ProbeBootstrapper) FindBootstrapNode(ctx context.Context) (*Endpoint, error) {
	b.logger.Debug().
		Int("candidates", len(b.candidates)).
		Int("parallelism", b.parallelism).
		Msg("Probing bootstrap candidates")

	for start := 0; start < len(b.candidates); start += b.parallelism {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+b.parallelism, len(b.candidates))
		window := b.candidates[start:end]
		found := make([]*Endpoint, len(window))

		var wg sync.WaitGroup
		for i, cand := range window {
			wg.Add(1)
			go func(i int, cand *Endpoint) {
				defer wg.Done()
				found[i] = b.probe(ctx, cand)
			}(i, cand)
		}
		wg.Wait()

		for _, ep := range found {
			if ep != nil {
				b.logger.Info().
					Str("bootstrap", ep.Address()).
					Str("bootstrap_id", ep.ID.Short()).
					Msg("Found bootstrap node")
				return ep, nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.logger.Info().Msg("No bootstrap node answered")
	return nil, nil
}

func (b *ProbeBootstrapper) probe(ctx context.Context, cand *Endpoint) *Endpoint {
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.sender.SendRequest(pctx, &Request{Type: RequestHealthCheck}, cand)
	if err != nil || resp == nil || resp.Responder.IsNil() {
		return nil
	}
	// Only ring members can resolve a successor. A peer that is itself still
	// joining counts as silent.
	switch resp.Responder.Health {
	case HealthIdle, HealthQuestionable:
	default:
		return nil
	}

	// Trust the probed address over whatever host the peer reports for itself.
	ep := resp.Responder.Copy()
	ep.Host, ep.Port = cand.Host, cand.Port
	return ep
}

// ParseCandidates turns "host" or "host:port" strings into endpoints,
// filling in defaultPort where no port is given.
func ParseCandidates(addrs []string, defaultPort int) ([]*Endpoint, error) {
	out := make([]*Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			out = append(out, &Endpoint{Host: addr, Port: defaultPort})
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid bootstrap address %q", addr)
		}
		out = append(out, &Endpoint{Host: host, Port: port})
	}
	return out, nil
}

// SubnetCandidates builds endpoints for every host sharing the ring port.
func SubnetCandidates(hosts []netip.Addr, port int) []*Endpoint {
	out := make([]*Endpoint, len(hosts))
	for i, h := range hosts {
		out[i] = &Endpoint{Host: h.String(), Port: port}
	}
	return out
}

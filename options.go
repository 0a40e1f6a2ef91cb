package ringboot

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/hashicorp/go-metrics"

	"github.com/ringmesh/ringboot/pkg/sock"
)

// defaultStaggerThreshold is the group size above which ranks delay their
// check-in with the root by rank milliseconds, spreading connection
// attempts so the root's accept queue does not overflow. Heuristic, not a
// correctness requirement.
const defaultStaggerThreshold = 128

type config struct {
	logHandler       slog.Handler
	msink            metrics.MetricSink
	mlabels          []metrics.Label
	ifAddr           string
	staggerThreshold int
	shareProxy       bool
}

// Option to pass to GetUniqueID, CreateRoot, Init and Split.
type Option func(*config) error

func newConfig(opts []Option) (config, error) {
	c := config{staggerThreshold: defaultStaggerThreshold}
	for _, o := range opts {
		if err := o(&c); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) sink() metrics.MetricSink {
	if c.msink == nil {
		return metrics.Default()
	}
	return c.msink
}

func (c *config) bindIP() (string, error) {
	if c.ifAddr != "" {
		return c.ifAddr, nil
	}
	sel, err := bootstrapInterface()
	if err != nil {
		return "", err
	}
	return sel.IP.String(), nil
}

// bindAddress is the local listen address on the bootstrap interface, with
// an ephemeral port.
func (c *config) bindAddress() (sock.Address, error) {
	ip, err := c.bindIP()
	if err != nil {
		return sock.Address{}, err
	}
	return sock.AddrFromString(net.JoinHostPort(ip, "0"))
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted
// during bootstrap.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// bootstrap state.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.mlabels = labels
		return nil
	}
}

// WithInterface pins the bootstrap traffic to the interface holding addr,
// bypassing the COMM_ID-driven selection.
func WithInterface(addr string) Option {
	return func(c *config) error {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("%w: %q is not an IP address", ErrInvalidArgument, addr)
		}
		c.ifAddr = addr
		return nil
	}
}

// WithStaggerThreshold overrides the group size above which ranks stagger
// their check-in with the root.
func WithStaggerThreshold(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("%w: stagger threshold must be positive", ErrInvalidArgument)
		}
		c.staggerThreshold = n
		return nil
	}
}

// WithSharedProxy makes Split reuse the parent's proxy service instead of
// creating a fresh listener for the child group.
func WithSharedProxy() Option {
	return func(c *config) error {
		c.shareProxy = true
		return nil
	}
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
)

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportAMQP      = "amqp"
	TransportJetStream = "jetstream"
)

// Dead-letter store kinds.
const (
	DeadLetterNone     = "none"
	DeadLetterMemory   = "memory"
	DeadLetterSQLite   = "sqlite"
	DeadLetterPostgres = "postgres"
)

// TransportSettings selects and tunes the broker.
type TransportSettings struct {
	Kind       string
	URL        string
	Name       string
	Prefetch   int
	Heartbeat  time.Duration
	BufferSize int
	AckWait    time.Duration
	MaxDeliver int

	// Durable keeps queues and streams across broker restarts.
	Durable bool
}

// ClientSettings tunes clients.
type ClientSettings struct {
	Timeout time.Duration
}

// ServerSettings tunes servers.
type ServerSettings struct {
	AckPolicy     mqrpc.AckPolicy
	PanicRecovery bool
	MaxDeliveries int
}

// DeadLetterSettings selects the dead-letter store.
type DeadLetterSettings struct {
	Kind    string
	Path    string // sqlite
	DSN     string // postgres
	MaxSize int    // memory
}

// RouteSettings is one named route and the codec its payloads use.
type RouteSettings struct {
	Name  string
	Route mqrpc.Route
	Codec codec.Codec
}

// Settings is the typed form of a configuration file.
type Settings struct {
	Transport    TransportSettings
	Client       ClientSettings
	Server       ServerSettings
	PublishRetry mqerrors.RetryConfig
	DeadLetter   DeadLetterSettings
	Metrics      bool
	Tracing      bool
	Routes       map[string]RouteSettings
}

// LoadSettings reads and validates Settings. Missing keys take the
// package defaults.
func LoadSettings(cfg Config) (Settings, error) {
	var errs []error

	t := cfg.Sub("transport")
	s := Settings{
		Transport: TransportSettings{
			Kind:       t.String("kind", TransportMemory),
			URL:        t.String("url", ""),
			Name:       t.String("name", "mqrpc"),
			Prefetch:   t.Int("prefetch", 1),
			Heartbeat:  t.Duration("heartbeat", 0),
			BufferSize: t.Int("buffer_size", 256),
			AckWait:    t.Duration("ack_wait", 30*time.Second),
			MaxDeliver: t.Int("max_deliver", 5),
			Durable:    t.Bool("durable", true),
		},
		Client: ClientSettings{
			Timeout: cfg.Duration("client.timeout", mqrpc.DefaultTimeout),
		},
		Server: ServerSettings{
			PanicRecovery: cfg.Bool("server.panic_recovery", true),
			MaxDeliveries: cfg.Int("server.max_deliveries", mqrpc.DefaultMaxDeliveries),
		},
		DeadLetter: DeadLetterSettings{
			Kind:    cfg.String("dead_letter.kind", DeadLetterNone),
			Path:    cfg.String("dead_letter.path", "dead_letters.db"),
			DSN:     cfg.String("dead_letter.dsn", ""),
			MaxSize: cfg.Int("dead_letter.max_size", deadletter.DefaultMaxSize),
		},
		Metrics: cfg.Bool("observability.metrics", false),
		Tracing: cfg.Bool("observability.tracing", false),
		Routes:  make(map[string]RouteSettings),
	}

	switch s.Transport.Kind {
	case TransportMemory:
	case TransportAMQP, TransportJetStream:
		if s.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport.url is required for %s", s.Transport.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", s.Transport.Kind))
	}

	policy, err := mqrpc.ParseAckPolicy(cfg.String("server.ack_policy", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("server.ack_policy: %w", err))
	}
	s.Server.AckPolicy = policy

	s.PublishRetry = loadRetry(cfg.Sub("publish_retry"))

	switch s.DeadLetter.Kind {
	case DeadLetterNone, DeadLetterMemory, DeadLetterSQLite:
	case DeadLetterPostgres:
		if s.DeadLetter.DSN == "" {
			errs = append(errs, errors.New("dead_letter.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dead_letter.kind %q", s.DeadLetter.Kind))
	}

	routes := cfg.Sub("routes")
	for _, name := range routes.Keys() {
		r := routes.Sub(name)
		c, err := codec.ByName(r.String("codec", "json"))
		if err != nil {
			errs = append(errs, fmt.Errorf("routes.%s: %w", name, err))
			continue
		}
		route := mqrpc.Route{
			Exchange: r.String("exchange", ""),
			Request:  r.String("request", ""),
			Reply:    r.String("reply", ""),
		}
		if err := route.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("routes.%s: %w", name, err))
			continue
		}
		s.Routes[name] = RouteSettings{Name: name, Route: route, Codec: c}
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func loadRetry(c Config) mqerrors.RetryConfig {
	if len(c.Raw()) == 0 {
		return mqerrors.NoRetry
	}
	d := mqerrors.DefaultRetry
	return mqerrors.RetryConfig{
		MaxAttempts:    c.Int("max_attempts", d.MaxAttempts),
		InitialBackoff: c.Duration("initial_backoff", d.InitialBackoff),
		MaxBackoff:     c.Duration("max_backoff", d.MaxBackoff),
		BackoffFactor:  c.Float("backoff_factor", d.BackoffFactor),
		Jitter:         c.Float("jitter", d.Jitter),
	}
}

// Route returns the named route.
func (s Settings) Route(name string) (RouteSettings, error) {
	r, ok := s.Routes[name]
	if !ok {
		return RouteSettings{}, mqerrors.New(mqerrors.ErrRouteNotFound, "route", name, nil)
	}
	return r, nil
}

// Options converts the settings into mqrpc options. store may be nil.
func (s Settings) Options(store deadletter.Store) []mqrpc.Option {
	opts := []mqrpc.Option{
		mqrpc.WithTimeout(s.Client.Timeout),
		mqrpc.WithAckPolicy(s.Server.AckPolicy),
		mqrpc.WithPublishRetry(s.PublishRetry),
		mqrpc.WithPanicRecovery(s.Server.PanicRecovery),
		mqrpc.WithMaxDeliveries(s.Server.MaxDeliveries),
		mqrpc.WithMetrics(s.Metrics),
		mqrpc.WithTracing(s.Tracing),
	}
	if store != nil {
		opts = append(opts, mqrpc.WithDeadLetter(store))
	}
	return opts
}

// RPC binds a configured route to its payload types.
func RPC[Req, Resp any](r RouteSettings) mqrpc.RPCRoute[Req, Resp] {
	return mqrpc.RPCRoute[Req, Resp]{
		Route:    r.Route,
		Request:  codec.For[Req](r.Codec),
		Response: codec.For[Resp](r.Codec),
	}
}

// OneWay binds a configured route to a one-way payload type.
func OneWay[T any](r RouteSettings) mqrpc.Declaration[T] {
	return mqrpc.Declare(r.Route, codec.For[T](r.Codec))
}

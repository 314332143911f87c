// Package config loads mqrpc settings from YAML or JSON.
//
// # Loading
//
//	cfg, err := config.FromFile("mqrpc.yaml")
//	settings, err := config.LoadSettings(cfg)
//
// # File Shape
//
//	transport:
//	  kind: amqp            # memory | amqp | jetstream
//	  url: ${AMQP_ADDR}
//	  prefetch: 1
//	  heartbeat: 5s
//	client:
//	  timeout: 30s
//	server:
//	  ack_policy: after_reply
//	  max_deliveries: 5     # requeues before dead-lettering; 0 = unlimited
//	publish_retry:
//	  max_attempts: 3
//	  initial_backoff: 100ms
//	dead_letter:
//	  kind: sqlite          # none | memory | sqlite | postgres
//	  path: ./dead_letters.db
//	observability:
//	  metrics: true
//	  tracing: true
//	routes:
//	  hello:
//	    request: hello
//	    reply: hello_response
//	    codec: json
//
// # Wiring
//
// OpenTransport and OpenDeadLetter build the configured backends, and
// Settings.Options turns the rest into mqrpc options:
//
//	t, err := config.OpenTransport(ctx, settings.Transport)
//	store, err := config.OpenDeadLetter(ctx, settings.DeadLetter)
//	client, err := mqrpc.NewClient(ctx, t, route, settings.Options(store)...)
//
// Typed accessors are still available for application-specific keys:
//
//	cfg.Duration("worker.poll", 5*time.Second)
//	cfg.Sub("worker").Int("concurrency", 4)
package config

// Package redisstream provides the Redis store for streambus.
//
// Store name: "redis-streams"
//
// Every subject is a stream; each service reads it through a consumer group named
// after the service. Deferred messages wait in the SCHEDULED_MESSAGES sorted set,
// per-message locks are redsync mutexes on LOCK:<id>, and wake-ups travel on a
// pub/sub channel named after the subject.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username, password, db
// - tls, tls_server_name
// - pool_size (default 10), min_idle_conns (default 5), dial_timeout (default 5s)
// - max_len_approx: XADD MAXLEN ~ bound per stream (default 0, unbounded)
// - cron_history_len: entries kept per cron history stream (default 100)
//
// Example builder usage:
//
//	bus, _ := streambus.NewBusBuilder().
//	    WithStore(redisstream.StoreName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "max_len_approx": int64(100000),
//	    }).
//	    WithConfig(streambus.ForService("payments")).
//	    WithConsumers(consumers).
//	    Build()
package redisstream

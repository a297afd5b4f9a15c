// Package config loads relay host and worker configuration.
//
// # Host Configuration
//
// The host reads a YAML file. ${VAR_NAME} references are replaced with the
// environment variable's value (empty when unset) before parsing.
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # worker streams
//	  http_addr: "0.0.0.0:8080"   # health, directory, metrics; empty disables
//
//	agents:
//	  heartbeat_timeout: "45s"    # "0s" disables liveness checks
//
//	routing:
//	  send_timeout: "5s"          # max wait to queue a welcome or register ack
//	  inflight_ttl: "2m"          # forget requests nobody answered
//	  registration: replace       # or reject: keep the first worker for a type
//	  dedupe_window: "5m"         # reject reused request ids
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax.
//
// # Worker Configuration
//
// LoadWorker accepts the same YAML conventions, or TOML when the file name
// ends in .toml:
//
//	host_addr = "127.0.0.1:50051"   # empty runs standalone
//	worker_id = "w-research"
//	concurrency = "serialized"      # or "parallel"
//
//	[[agents]]
//	type = "research"
//	role = "prefix"
//
//	[[agents]]
//	type = "coordinator"
//	role = "coordinator"
//	stages = ["idea", "research"]
package config

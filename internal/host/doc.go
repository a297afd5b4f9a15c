// Package host implements the relay host: the rendezvous point that routes
// envelopes between worker processes.
//
// # Overview
//
// Workers open one bidirectional gRPC stream each (RelayControl/WorkerStream).
// The host keeps a Directory of which worker serves each agent type and an
// in-flight table mapping request ids to the worker that sent the request and
// the worker serving it.
//
// # Protocol
//
//  1. Worker sends Hello{worker_id}; the host answers Welcome{host_id}.
//  2. Worker sends Register{agent_type} for each type it serves; the host
//     answers RegisterAck. By default the last registration for a type wins
//     and the previous owner is logged, not disconnected. With
//     routing.registration set to "reject" the ack carries an error instead.
//  3. Request envelopes are forwarded to the directory owner of the
//     recipient's type. Responses and errors go back to the origin recorded
//     in the in-flight table. A request with Cancellation set is passed on
//     to the serving worker.
//  4. Heartbeat frames refresh the connection's last-seen time.
//
// Failures the host detects itself are answered to the origin as error
// envelopes: agent_not_found when no worker serves the type,
// agent_unreachable when the owner's stream is gone, invalid_envelope for
// malformed or reused request ids, and host_stopped after Stop.
//
// # Disconnects
//
// When a stream ends the worker's directory entries are removed, requests it
// was serving fail with agent_unreachable, and requests it had sent are
// cancelled at their targets.
//
// # HTTP
//
// When server.http_addr is set (or Tailscale is enabled):
//
//   - GET /health - liveness
//   - GET /health/ready - 503 until at least one worker is connected
//   - GET /api/directory - directory snapshot as JSON
//   - GET <metrics.path> - Prometheus metrics, when enabled
package host

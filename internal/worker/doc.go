// Package worker is the relay worker runtime.
//
// A Runtime hosts agent instances for the types registered on it and sends
// requests on behalf of callers. Sends to a type registered locally never
// leave the process; everything else goes through the host over a single
// gRPC stream opened by Start.
//
//	rt := worker.New(worker.Options{HostAddr: "127.0.0.1:50051"})
//	rt.Register(ctx, "research", pipeline.Prefixer("research"))
//	if err := rt.Start(ctx); err != nil { ... }
//	reply, err := rt.Send(ctx, relay.NewAgentID("idea", ""), payload)
//
// With an empty HostAddr the runtime runs standalone and unknown types fail
// with fault.ErrAgentNotFound.
//
// Every send has a deadline (Options.RequestTimeout unless overridden with
// WithTimeout). When the caller gives up the request id is retired, the
// callee is sent a cancellation notice, and a reply arriving afterwards is
// discarded.
//
// If the host stream breaks after Start, pending remote sends fail with
// fault.ErrAgentUnreachable and Done is closed. The runtime does not
// reconnect.
package worker

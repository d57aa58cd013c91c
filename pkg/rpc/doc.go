/*
Package rpc is the role runtime of spindle: references, mailboxes and the
networks that connect them.

Every role (master, worker, application client, scheduler backend,
executor) is an Endpoint registered on an Env. The Env gives each endpoint
one ordered inbox, and a fixed pool of DispatcherThreads goroutines drains
ready inboxes. An inbox is never drained by two goroutines at once, so an
endpoint owns its state without locks.

Roles talk through *Ref values. Send is fire-and-forget; Ask waits for the
handler to call Reply or Fail on its *Call, bounded by the context deadline
or the configured ask timeout:

	ref := env.Ref("Master", masterAddr)
	reply, err := rpc.AskAs[*messages.RegisteredWorker](ctx, ref, registration)

Two networks exist. LocalNetwork hands messages over in memory and is what
role tests use. ListenTCP frames messages with package transport: one
connection per peer, a reader goroutine per connection and a writer that
drives transport.WriteFully over a non-blocking channel. Refs that arrive
inside decoded messages are bound to the receiving Env so handlers can
reply through them directly.

Addresses render as spindle://host:port and ParseAddress rejects anything
else with a descriptive error.
*/
package rpc

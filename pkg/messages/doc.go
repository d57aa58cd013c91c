/*
Package messages defines the closed catalog of messages exchanged by the
cluster roles.

Every variant implements Message and belongs to exactly one Family:

  - worker-master: registration, heartbeats and executor/driver lifecycle
  - app-client: application and driver requests from client processes
  - coarse-grained: task plumbing between a driver and its executors
  - failover: announcing and reconciling a new leading master
  - local: ticks a role sends to itself

Messages are sent as pointers and are not modified after being sent.
Codec encodes everything outside the local family as JSON keyed by the Go
type name, which is what the TCP network puts in the frame header.
*/
package messages

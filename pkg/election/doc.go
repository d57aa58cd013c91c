/*
Package election decides which master leads.

An Agent reports leadership to a Candidate. NotifyRef turns a master's
ref into a Candidate so that leadership changes are ordinary messages in
the master's mailbox.

MonarchyAgent elects its only candidate at once. RaftNode runs
hashicorp/raft among the configured masters: the raft leader is the
leading master. Its Engine replicates every persistence write through the
raft log into each master's local BoltDB replica, so a newly elected
master recovers the registry written by the previous one.
*/
package election

// Package appclient implements the application client, the driver-side role
// that registers an application with the master and tracks the executors
// granted to it.
//
// The client moves from UNREGISTERED to REGISTERED once a master answers
// RegisterApplication, and to STOPPED when the driver stops it or the master
// removes the application. Executor grants and losses reach the driver
// through a Listener. After a failover the client acknowledges the new
// master with MasterChangeAcknowledged.
package appclient

// Package types holds the identities, state enums, descriptions and
// master-side registry records shared across spindle roles.
//
// Descriptions (ApplicationDescription, DriverDescription,
// ExecutorDescription) are immutable values carried inside messages. The
// registry records (WorkerInfo, ApplicationInfo, ExecutorInfo, DriverInfo)
// are mutable and owned exclusively by the master actor; their runtime
// fields are excluded from JSON so the persistence engine only stores what
// is needed to rebuild them after a failover.
package types

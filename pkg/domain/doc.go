// Package domain defines the core types shared by the monitoring pipeline.
//
// This package contains pure domain types with ZERO external dependencies outside the
// Go standard library. Producers, the event processor and the governance components
// all exchange the types declared here:
//
//   - Event and its closed set of payload variants
//   - MonitoringEntry, the per-request aggregate built from events
//   - ThrottleDecision and the statistics snapshots of each governed component
//
// The dependency direction is always:
//
//	Components → Domain (CORRECT)
//	Domain → Components (FORBIDDEN)
package domain

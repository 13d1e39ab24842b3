// Package dedupe drops repeated inbound webhook deliveries using a bounded,
// time-windowed record of (tenant, event id) pairs.
package dedupe

// Package sched is the scheduler core: it accepts schedule requests,
// persists them, and drives delivery off a single-slot alarm.
//
// The central invariant: at any instant the alarm is armed iff at least one
// job is still "scheduled", and if armed, its time equals the minimum fire
// time among those jobs. Every mutation ends by re-deriving that minimum
// from the durable job set, never from cached state, so the component
// recovers cleanly from a cold start with an empty memory image.
//
// Delivery is at-least-once: a crash after a successful delivery but before
// the terminal status write leaves the job "scheduled" in storage, and the
// next wake-up will deliver it again. Drivers that cannot tolerate duplicates
// must deduplicate on their side.
package sched

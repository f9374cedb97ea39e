// Package heartbeat keeps a trusted device session alive.
//
// A Session owns one Beater (in production a lockdown session) and runs
// a strictly sequential keepalive loop:
//
//	Idle → Connecting → Active ⇄ Degraded → Terminated
//
// One missed beat moves the session to Degraded and triggers an
// immediate re-beat. A second consecutive miss terminates the session.
// Terminated is final: the beater is closed and a new Session is needed.
package heartbeat

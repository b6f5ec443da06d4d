// Package policy holds the pure decision components of the controller:
// the process-wide circuit breaker, the tier escalation policy, and the
// stuck-loop detector. None of them call collaborators; they only look
// at counters and attempt history.
package policy

// Package controller drives a single task through its iteration loop:
// implement, scope-check, quality-gate, requirements-check, then
// escalate, convene a council, or stop. The loop is single-threaded
// per task; every iteration blocks on its collaborator calls so each
// attempt sees the complete result of the previous one.
package controller

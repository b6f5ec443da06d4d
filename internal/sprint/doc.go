// Package sprint aggregates task execution across a whole sprint:
// tasks run in dependency order (independent tasks in parallel), then
// a fixed sequence of sprint-wide gates validates the aggregate
// result. Gate failures spawn corrective tasks through a bounded
// correction loop.
package sprint

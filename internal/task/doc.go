// Package task defines the domain types shared by every crucible
// component: tasks, attempts, effort tiers, verdicts, and the failure
// signature used to recognize a repeating failure.
package task

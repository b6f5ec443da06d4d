// Package store persists task, sprint, and council-session snapshots
// in SQLite so a crash mid-sprint resumes from the last completed
// iteration instead of restarting the whole task.
package store

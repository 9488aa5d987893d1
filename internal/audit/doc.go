// Package audit records the suspend lifecycle of shell sessions.
//
// Every transition the suspension coordinator makes (mark, unmark, suspend,
// resume, terminate, remove, rename, auto-termination, loss of the shell
// while detached) is written to the audit_logs table and to the structured
// log. Records are kept for a retention window and purged by the maintenance
// job.
//
// An [Auditor] is injected where needed. A nil *Auditor is valid and records
// nothing, which keeps tests that do not care about auditing short.
package audit

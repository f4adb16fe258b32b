// Package storage persists warden's durable state: named last-write-wins
// JSON documents (the job list, user records, general state) and an
// append-only audit trail of plain-text moderation log lines.
package storage

// Package queue persists loom's durable state in SQLite.
//
// The Store plays two roles. It is a channel.Broker: messages live in the
// channel_messages table, Get claims the oldest visible row with a claim
// token and pushes its visibility forward, Ack deletes it, and a claim that
// is never acknowledged becomes visible again once the visibility timeout
// lapses. It also keeps run records and the mirror of canonical entity
// states the coordinator writes and `loom status` reads.
//
// The database is treated as transient run storage rather than a long-term
// archive. Schema changes bump the version in schema.go; users delete the
// database to adopt the new schema.
package queue

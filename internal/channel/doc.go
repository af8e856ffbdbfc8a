// Package channel defines the named at-least-once queues the engine
// components talk through: the Broker interface, the per-run channel names,
// a polling Receive helper, and an in-process broker. Durable backends live
// in the queue (SQLite) and channel/natsjs (JetStream) packages.
package channel

// Package coordinator sequences every externally visible lock operation:
// authorize, mutate the lock table, commit the journal record, and only then
// notify sessions. No session is ever told about a state change that was not
// durably recorded, and no durable record survives for a mutation that did
// not actually happen.
package coordinator

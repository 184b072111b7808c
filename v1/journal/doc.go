// Package journal records every lock mutation as an atomic, reviewable
// transaction in an append-only audit log. A commit durably records the
// intended mutation first, then applies it, then finalizes or aborts the
// durable record, so the lock table and the audit trail can never disagree
// about which mutation actually took effect.
package journal

// Package hub keeps every live client connection synchronized with lock
// state. It owns session lifecycle exclusively: one session per identity
// (last writer wins), isolated per-session delivery so one slow or broken
// connection never stalls the rest, and presence events announcing joins and
// departures to everyone still connected.
package hub

package modem

import "sync"

// URC is a "+PREFIX..." line from the modem (an Unsolicited Result Code
// or a command reply of the same shape). Prefix is the text between the
// leading '+' and the first ':' or space; Raw is the whole line with its
// leading '+' and without the trailing CRLF.
type URC struct {
	Prefix string // e.g. "QMTOPEN", "QMTCONN", "CEREG"
	Raw    string
}

// urcBroadcastDepth is the depth of the single-producer multi-consumer
// broadcast channel distributing URCs, per spec.md §4.4.
const urcBroadcastDepth = 128

// URCRouter fans out URCs parsed by the ingress task (which owns the
// UART RX half) to any number of waiters, matching the original
// firmware's embassy_sync broadcast channel (original_source
// src/svc/atcmd/urc.rs) mapped onto Go channels-of-channels.
type URCRouter struct {
	mu   sync.Mutex
	subs []chan URC
}

// NewURCRouter constructs an empty router.
func NewURCRouter() *URCRouter {
	return &URCRouter{}
}

// Subscribe registers a new waiter and returns its channel. Callers
// should Unsubscribe when done to avoid leaking slow-consumer channels.
func (r *URCRouter) Subscribe() <-chan URC {
	ch := make(chan URC, urcBroadcastDepth)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously subscribed channel.
func (r *URCRouter) Unsubscribe(ch <-chan URC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.subs {
		if c == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Publish fans a URC out to every subscriber, non-blocking: a slow
// subscriber drops the notification rather than stalling the ingress
// task that owns the UART RX half.
func (r *URCRouter) Publish(u URC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.subs {
		select {
		case c <- u:
		default:
		}
	}
}

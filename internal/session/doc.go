// Package session is the orchestration core of the coaching chat: it owns
// one user's in-memory conversation state and drives the send/receive
// cycle across the router, credential cache, provider client, and store.
//
// # State machine
//
// A session moves Idle → Loaded → Sending → Loaded. At most one send is in
// flight per session; a second Send while one is outstanding returns
// ErrSendInFlight instead of interleaving history.
//
// # Durability contract
//
// In-memory history is the source of truth for the current session.
// Store writes (messages, escalations) are dispatched fire-and-forget with
// their own timeout contexts and logged on failure; a degraded durability
// layer never blocks or fails the user-visible response. Only credential
// unavailability and provider failures surface to the caller.
//
// Manager hands out one session per user to the HTTP layer.
package session

// Package agents defines the five specialist coaching personas and the
// deterministic keyword router that assigns a user utterance to one of them.
//
// Routing is declared data: an ordered list of (kind, keywords) rules,
// evaluated first-match-wins. The order workout → nutrition → recovery →
// motivation is a behavioral contract relied on by clients, not an
// implementation detail.
//
// Each kind carries a system prompt template used for the provider call.
// The nutrition prompt includes required neutral-language framing for
// over-target values.
package agents

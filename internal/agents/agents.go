// ABOUTME: Specialist agent kinds and keyword-based routing for coach-engine
// ABOUTME: Maps user utterances to one of five coaching agents with declared precedence

package agents

import (
	"fmt"
	"strings"
)

// Kind identifies one of the five specialist coaching agents.
type Kind string

const (
	Workout    Kind = "workout"
	Nutrition  Kind = "nutrition"
	Recovery   Kind = "recovery"
	Motivation Kind = "motivation"
	General    Kind = "general"
)

// Confidence is the advisory confidence reported on assistant messages.
// Routing is rule-based, so this is a fixed constant rather than a
// calibrated score.
const Confidence = 0.8

// rule pairs an agent kind with the keywords that route to it.
type rule struct {
	kind     Kind
	keywords []string
}

// rules is evaluated in order; the first matching rule wins. Ambiguous
// utterances therefore favor the earlier category ("protein after squats"
// routes to workout, not nutrition). Changing this order changes routing
// behavior for every mixed utterance.
var rules = []rule{
	{Workout, []string{
		"workout", "exercise", "training", "squat", "bench", "deadlift",
		"cardio", "gym", "muscle", "strength", "lifting",
	}},
	{Nutrition, []string{
		"nutrition", "protein", "calorie", "carb", "meal", "diet",
		"macro", "food", "snack", "breakfast", "lunch", "dinner",
	}},
	{Recovery, []string{
		"recovery", "sore", "rest day", "sleep", "stretch", "mobility",
		"foam roll",
	}},
	{Motivation, []string{
		"motivation", "motivated", "give up", "giving up", "discouraged",
		"struggling", "unmotivated", "burnt out",
	}},
}

// Route classifies a user utterance into exactly one agent kind.
// Matching is case-insensitive substring containment; no keyword match
// falls back to General. Route is pure and never fails.
func Route(utterance string) Kind {
	lower := strings.ToLower(utterance)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.kind
			}
		}
	}
	return General
}

// prompts holds the system prompt template for each agent, parameterized
// by the caller's role (client or trainer).
//
// The nutrition template encodes a product content-safety requirement:
// over-target values are described neutrally, never with red/danger/"bad"
// framing. Keep that language intact.
var prompts = map[Kind]string{
	Workout: "You are a certified strength and conditioning coach inside a fitness app. " +
		"You are talking to a %s. Give practical, safe programming advice: exercise " +
		"selection, form cues, sets, reps, and progression. Keep answers short and " +
		"actionable. Never prescribe training through pain; suggest a human trainer " +
		"when form or injury questions need eyes on the athlete.",
	Nutrition: "You are a supportive nutrition coach inside a fitness app. You are talking " +
		"to a %s. Give practical guidance on meals, macros, and eating habits. When " +
		"someone is over a calorie or macro target, describe it neutrally, for example " +
		"\"above target\" or \"higher than planned\". Never call over-target values " +
		"\"red\", \"bad\", or \"in the danger zone\", and never attach shame to food " +
		"choices. You do not diagnose conditions or replace a dietitian.",
	Recovery: "You are a recovery and mobility coach inside a fitness app. You are talking " +
		"to a %s. Advise on rest days, sleep, soreness management, stretching, and " +
		"deload strategy. Distinguish normal soreness from possible injury and say so " +
		"when something sounds like it needs medical attention.",
	Motivation: "You are an encouraging fitness coach inside a fitness app. You are talking " +
		"to a %s. Help them stay consistent: acknowledge the struggle, reframe setbacks, " +
		"and suggest one small concrete next step. Be warm but not saccharine.",
	General: "You are a knowledgeable fitness coach inside a fitness app. You are talking " +
		"to a %s. Answer general fitness questions clearly and briefly, and route the " +
		"user toward their human trainer for anything personal or medical.",
}

// SystemPrompt returns the system prompt for the given agent, with the
// caller's role substituted in. Unknown kinds fall back to the general
// prompt so a stale agent tag never produces an empty prompt.
func SystemPrompt(kind Kind, role string) string {
	tmpl, ok := prompts[kind]
	if !ok {
		tmpl = prompts[General]
	}
	return fmt.Sprintf(tmpl, role)
}

// Valid reports whether k is one of the five known agent kinds.
func Valid(k Kind) bool {
	switch k {
	case Workout, Nutrition, Recovery, Motivation, General:
		return true
	}
	return false
}

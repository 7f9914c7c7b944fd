// ABOUTME: Escalation detection for exchanges that need a human trainer
// ABOUTME: Flags injury/medical language from the user and uncertainty from the AI

package escalation

import "strings"

// StatusPending is the initial status of every escalation record. The
// trainer workflow downstream owns later transitions.
const StatusPending = "pending"

// injuryKeywords escalate on the user's message. Substring match, so
// "hurts" and "injured" are covered by their stems.
var injuryKeywords = []string{
	"pain",
	"hurt",
	"injured",
	"injury",
	"doctor",
	"medical",
}

// uncertaintyPhrases escalate on the assistant's reply. These are the
// phrasings the model tends to produce when it is out of its depth.
var uncertaintyPhrases = []string{
	"not sure",
	"recommend consulting",
	"speak with your trainer",
	"i apologize",
}

// ShouldEscalate reports whether a user/assistant exchange warrants
// human-trainer follow-up. Every qualifying exchange escalates; there is
// no rate limiting or suppression here.
func ShouldEscalate(userMessage, assistantReply string) bool {
	return containsAny(userMessage, injuryKeywords) ||
		containsAny(assistantReply, uncertaintyPhrases)
}

func containsAny(s string, terms []string) bool {
	lower := strings.ToLower(s)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

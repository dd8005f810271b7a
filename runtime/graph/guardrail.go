package graph

import "strings"

// Localized user-facing texts. The platform serves French-speaking tenants;
// every other language falls back to English.
const (
	refusalEN = "I can't help with that request. If you believe this was " +
		"flagged in error, try rephrasing your message."
	refusalFR = "Je ne peux pas répondre à cette demande. Si vous pensez " +
		"qu'il s'agit d'une erreur, reformulez votre message."

	modelTroubleEN = "I ran into a problem completing this request. Please try again."
	modelTroubleFR = "Je n'ai pas pu terminer cette demande. Veuillez réessayer."

	truncationEN = "I stopped before reaching a final answer because this " +
		"exchange hit the reasoning limit. Here is what I have so far."
	truncationFR = "Je me suis arrêté avant d'atteindre une réponse finale " +
		"car cet échange a atteint la limite de raisonnement. Voici ce que j'ai pour l'instant."
)

func isFrench(language string) bool {
	return strings.HasPrefix(strings.ToLower(language), "fr")
}

// refusalText returns the localized guardrail refusal.
func refusalText(language string) string {
	if isFrench(language) {
		return refusalFR
	}
	return refusalEN
}

// modelTroubleText returns the localized model-failure fallback.
func modelTroubleText(language string) string {
	if isFrench(language) {
		return modelTroubleFR
	}
	return modelTroubleEN
}

// truncationText returns the localized depth-limit notice.
func truncationText(language string) string {
	if isFrench(language) {
		return truncationFR
	}
	return truncationEN
}

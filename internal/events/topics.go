package events

// Event types published on the cart activity topic.
const (
	TypeCartUpdated = "cart.updated"
	TypeCartCleared = "cart.cleared"
)

// DefaultTopic receives cart activity when no topic is configured.
const DefaultTopic = "cart.activity"

// Types returns the event types a consumer may see on the topic.
func Types() []string {
	return []string{TypeCartUpdated, TypeCartCleared}
}

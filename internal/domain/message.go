// Package domain contains core domain types for the ShopQuest application.
package domain

// Speaker identifies who authored a transcript message.
type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerUser   Speaker = "user"
)

// Message is a single transcript entry. Immutable once created.
type Message struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// SystemMessage builds a system-authored message.
func SystemMessage(text string) Message {
	return Message{Speaker: SpeakerSystem, Text: text}
}

// UserMessage builds a user-authored message.
func UserMessage(text string) Message {
	return Message{Speaker: SpeakerUser, Text: text}
}

package turns

// HistoryBuilder helps construct an initial History with ordered Messages.
type HistoryBuilder struct {
	messages []Message
}

func NewHistoryBuilder() *HistoryBuilder {
	return &HistoryBuilder{messages: []Message{}}
}

func (hb *HistoryBuilder) WithSystemPrompt(systemText string) *HistoryBuilder {
	if systemText != "" {
		hb.messages = append(hb.messages, NewSystemMessage(systemText))
	}
	return hb
}

func (hb *HistoryBuilder) WithUserPrompt(userText string) *HistoryBuilder {
	if userText != "" {
		hb.messages = append(hb.messages, NewUserMessage(userText))
	}
	return hb
}

func (hb *HistoryBuilder) Build() *History {
	return NewHistory(hb.messages...)
}

// Package telegram is the chat platform boundary: inbound update types,
// MarkdownV2 formatting, and the outbound send path with outcome
// classification.
package telegram

// Update is an inbound webhook payload. Only the fields the command
// handler reads are decoded.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is one inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// apiResponse is the envelope every Bot API call returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

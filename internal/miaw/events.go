package miaw

import (
	"encoding/json"
	"strings"
)

// Server-push event names delivered on the MIAW event router stream.
const (
	eventConversationMessage = "CONVERSATION_MESSAGE"
	eventPing                = "ping"
)

// senderRoleEndUser marks events that echo our own outbound messages.
const senderRoleEndUser = "EndUser"

// conversationEventData is the JSON body of a CONVERSATION_MESSAGE event.
type conversationEventData struct {
	ConversationEntry conversationEntry `json:"conversationEntry"`
}

type conversationEntry struct {
	Identifier        string `json:"identifier"`
	EntryType         string `json:"entryType"`
	SenderDisplayName string `json:"senderDisplayName"`
	Sender            struct {
		Role string `json:"role"`
	} `json:"sender"`

	// EntryPayload is a JSON document nested inside the event as a string.
	EntryPayload          string `json:"entryPayload"`
	TranscriptedTimestamp int64  `json:"transcriptedTimestamp"`
}

// entryPayload is the decoded form of conversationEntry.EntryPayload.
type entryPayload struct {
	AbstractMessage struct {
		StaticContent struct {
			Text string `json:"text"`
		} `json:"staticContent"`
	} `json:"abstractMessage"`
}

// decodeAgentMessage extracts the agent-authored message text from a raw
// event, if there is one. Keep-alives, typing indicators, participant changes
// and echoes of the customer's own messages all return ok=false.
func decodeAgentMessage(name, data string) (text string, ok bool) {
	if name == eventPing || data == "" {
		return "", false
	}
	if name != "" && name != eventConversationMessage {
		return "", false
	}

	var evt conversationEventData
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return "", false
	}

	entry := evt.ConversationEntry
	if entry.EntryType != "Message" {
		return "", false
	}
	if entry.Sender.Role == "" || entry.Sender.Role == senderRoleEndUser {
		return "", false
	}

	var payload entryPayload
	if err := json.Unmarshal([]byte(entry.EntryPayload), &payload); err != nil {
		// Some deployments deliver the text unwrapped.
		if s := strings.TrimSpace(entry.EntryPayload); s != "" && !strings.HasPrefix(s, "{") {
			return s, true
		}
		return "", false
	}

	if payload.AbstractMessage.StaticContent.Text == "" {
		return "", false
	}
	return payload.AbstractMessage.StaticContent.Text, true
}

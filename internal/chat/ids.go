package chat

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewConversationID returns a random conversation id.
func NewConversationID() string {
	return uuid.NewString()
}

// NewMessageID returns a short id used to address one rendered message,
// e.g. "m_3f9a1c2_lq2x8k0".
func NewMessageID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return "m_" + random + "_" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}

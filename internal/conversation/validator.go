package conversation

import (
	"unicode/utf8"

	"github.com/whisper/buddy-chat/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max body size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a chat message body meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return apperr.InvalidArgument("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return apperr.InvalidArgument("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return apperr.InvalidArgument("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.InvalidArgument("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

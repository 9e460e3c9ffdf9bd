package session

// DefaultTitle is the sentinel title a session carries until the first
// user message names it.
const DefaultTitle = "untitled"

// TitleMaxRunes is the maximum number of characters kept from the first
// user message when deriving a title.
const TitleMaxRunes = 30

const titleEllipsis = "…"

// DeriveTitle builds a session title from the first user message.
// Text longer than TitleMaxRunes characters is truncated and suffixed
// with a single ellipsis. Truncation is rune-aware so multi-byte text
// is never cut mid-character.
func DeriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= TitleMaxRunes {
		return text
	}
	return string(runes[:TitleMaxRunes]) + titleEllipsis
}

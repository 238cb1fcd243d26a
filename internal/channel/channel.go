package channel

import "sort"

// Channel identifies a delivery medium for outreach messages.
type Channel string

const (
	Email     Channel = "email"
	Instagram Channel = "instagram"
	Facebook  Channel = "facebook"
	LinkedIn  Channel = "linkedin"
	Twitter   Channel = "twitter"
	WhatsApp  Channel = "whatsapp"
	Chat      Channel = "chat"
)

// All lists every supported channel in lexical order.
func All() []Channel {
	return []Channel{Chat, Email, Facebook, Instagram, LinkedIn, Twitter, WhatsApp}
}

// Valid reports whether c names a supported channel.
func (c Channel) Valid() bool {
	switch c {
	case Email, Instagram, Facebook, LinkedIn, Twitter, WhatsApp, Chat:
		return true
	}
	return false
}

func (c Channel) String() string {
	return string(c)
}

// ContactInfo maps channels to the recipient's address on that channel
// (email address, social handle, phone number, chat session user ID).
// A channel with an empty address is not viable for the recipient.
type ContactInfo map[Channel]string

// Has reports whether the recipient can be reached on c.
func (ci ContactInfo) Has(c Channel) bool {
	return ci[c] != ""
}

// Viable filters candidates down to channels the recipient has an
// address for, preserving input order.
func (ci ContactInfo) Viable(candidates []Channel) []Channel {
	viable := make([]Channel, 0, len(candidates))
	for _, c := range candidates {
		if ci.Has(c) {
			viable = append(viable, c)
		}
	}
	return viable
}

// SortLexical orders channels by name. Used as the final deterministic
// tie-break in selection.
func SortLexical(channels []Channel) {
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
}

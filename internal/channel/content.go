package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Content is the message payload for one channel. Each channel family
// has its own variant with its own required fields; payloads are
// validated at the boundary instead of being passed around as open maps.
type Content interface {
	// Channel returns the channel this payload is shaped for.
	Channel() Channel

	// Validate checks the variant's required fields.
	Validate() error

	// Fingerprint returns a stable digest of the payload, used in
	// deduplication keys.
	Fingerprint() string
}

// EmailContent is the payload for the email channel.
type EmailContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

func (c EmailContent) Channel() Channel { return Email }

func (c EmailContent) Validate() error {
	if c.Subject == "" {
		return fmt.Errorf("email content: subject is required")
	}
	if c.Body == "" && c.HTML == "" {
		return fmt.Errorf("email content: body or html is required")
	}
	return nil
}

func (c EmailContent) Fingerprint() string {
	return fingerprint(Email, c)
}

// DMContent is the payload for social direct-message channels
// (instagram, facebook, linkedin, twitter).
type DMContent struct {
	Text string `json:"text"`
}

func (c DMContent) Channel() Channel { return Instagram }

func (c DMContent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("dm content: text is required")
	}
	return nil
}

func (c DMContent) Fingerprint() string {
	return fingerprint("dm", c)
}

// WhatsAppContent is the payload for WhatsApp. Template name is required
// by business messaging providers for out-of-session sends.
type WhatsAppContent struct {
	Text         string `json:"text"`
	TemplateName string `json:"template_name"`
}

func (c WhatsAppContent) Channel() Channel { return WhatsApp }

func (c WhatsAppContent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("whatsapp content: text is required")
	}
	if c.TemplateName == "" {
		return fmt.Errorf("whatsapp content: template_name is required")
	}
	return nil
}

func (c WhatsAppContent) Fingerprint() string {
	return fingerprint(WhatsApp, c)
}

// ChatContent is the payload for website chat.
type ChatContent struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

func (c ChatContent) Channel() Channel { return Chat }

func (c ChatContent) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("chat content: text is required")
	}
	return nil
}

func (c ChatContent) Fingerprint() string {
	return fingerprint(Chat, c)
}

// ContentMap holds one validated payload per channel a campaign may
// route to. The selected channel must have an entry.
type ContentMap map[Channel]Content

// Validate checks every entry: the payload must validate and its variant
// must be acceptable for the channel it is keyed under.
func (m ContentMap) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("content map is empty")
	}
	for ch, c := range m {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q in content map", ch)
		}
		if c == nil {
			return fmt.Errorf("nil content for channel %q", ch)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if !variantAllowed(ch, c) {
			return fmt.Errorf("content type %T not valid for channel %q", c, ch)
		}
	}
	return nil
}

// UnmarshalJSON decodes a per-channel payload object, picking the
// variant type from the channel key.
func (m *ContentMap) UnmarshalJSON(data []byte) error {
	var raw map[Channel]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ContentMap, len(raw))
	for ch, payload := range raw {
		var c Content
		switch ch {
		case Email:
			var v EmailContent
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %s content: %w", ch, err)
			}
			c = v
		case Instagram, Facebook, LinkedIn, Twitter:
			var v DMContent
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %s content: %w", ch, err)
			}
			c = v
		case WhatsApp:
			var v WhatsAppContent
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %s content: %w", ch, err)
			}
			c = v
		case Chat:
			var v ChatContent
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode %s content: %w", ch, err)
			}
			c = v
		default:
			return fmt.Errorf("unknown channel %q in content map", ch)
		}
		out[ch] = c
	}
	*m = out
	return nil
}

// variantAllowed reports whether the payload type matches the channel it
// is keyed under. DMContent covers all social DM surfaces.
func variantAllowed(ch Channel, c Content) bool {
	switch c.(type) {
	case EmailContent:
		return ch == Email
	case DMContent:
		return ch == Instagram || ch == Facebook || ch == LinkedIn || ch == Twitter
	case WhatsAppContent:
		return ch == WhatsApp
	case ChatContent:
		return ch == Chat
	}
	return false
}

// fingerprint digests kind plus the canonical JSON form of the payload.
func fingerprint(kind any, payload any) string {
	data, _ := json.Marshal(payload)
	h := sha256.New()
	fmt.Fprintf(h, "%v:", kind)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

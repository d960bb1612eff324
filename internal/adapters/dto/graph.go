// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers prevents import cycles
package dto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"omnihub/internal/core/domain"
)

// WebhookEnvelope is the top-level Graph webhook payload. The body is parsed
// into this tagged structure once at the ingress boundary; classification is
// a total function over it, failing closed to unknown.
type WebhookEnvelope struct {
	Object string  `json:"object"` // "instagram" or "page"
	Entry  []Entry `json:"entry"`
}

// Entry is one per-account event batch inside a delivery.
type Entry struct {
	ID        string      `json:"id"`   // platform account id
	Time      int64       `json:"time"` // unix milliseconds
	Messaging []Messaging `json:"messaging,omitempty"`
	Changes   []Change    `json:"changes,omitempty"`
}

// Messaging is a single messaging sub-event: a message, or a read receipt.
type Messaging struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
	Message   *Message `json:"message,omitempty"`
	Read      *Read    `json:"read,omitempty"`
}

// Party is a sender or recipient reference (platform-scoped id).
type Party struct {
	ID string `json:"id"`
}

// Message is the message content block.
type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"` // echo of our own send, never re-ingested
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyTo     `json:"reply_to,omitempty"`
}

// Attachment is a media attachment typed by its declared kind.
type Attachment struct {
	Type    string            `json:"type"` // image, video, audio, file
	Payload AttachmentPayload `json:"payload"`
}

// AttachmentPayload carries the media download URL.
type AttachmentPayload struct {
	URL string `json:"url"`
}

// ReplyTo marks a story reply and references the story replied to.
type ReplyTo struct {
	Story *StoryRef `json:"story,omitempty"`
}

// StoryRef identifies the referenced story.
type StoryRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Read is a read receipt: everything at or below the watermark is read.
type Read struct {
	Watermark int64 `json:"watermark"` // unix milliseconds
}

// Change is a non-messaging field change, e.g. story insights.
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// StoryInsightsValue is the change payload for story_insights fields.
type StoryInsightsValue struct {
	StoryID   string `json:"story_id"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`  // unix seconds
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix seconds
}

// ParseEnvelope decodes a raw webhook body. An undecodable body or one
// without an entry array is malformed; unrecognized shapes inside a valid
// envelope are not (they classify as unknown).
func ParseEnvelope(body []byte) (*WebhookEnvelope, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if len(env.Entry) == 0 {
		return nil, fmt.Errorf("%w: missing entry array", domain.ErrMalformedPayload)
	}
	return &env, nil
}

// PlatformAccountID returns the account identifier embedded in the payload.
// It is examined before signature verification since the secret needed to
// verify depends on which account the delivery targets.
func (e *WebhookEnvelope) PlatformAccountID() string {
	for _, entry := range e.Entry {
		if entry.ID != "" {
			return entry.ID
		}
	}
	return ""
}

// Classify determines the event type from the payload shape. Total over the
// parsed union: anything unrecognized is unknown, never an error.
func (e *WebhookEnvelope) Classify() string {
	for _, entry := range e.Entry {
		for _, m := range entry.Messaging {
			if m.Message != nil {
				return domain.EventTypeMessages
			}
			if m.Read != nil {
				return domain.EventTypeMessagingSeen
			}
		}
		for _, c := range entry.Changes {
			if c.Field == "story_insights" {
				return domain.EventTypeStoryInsights
			}
		}
	}
	return domain.EventTypeUnknown
}

// EventID derives the idempotency key for this delivery. Platform-supplied
// ids are preferred so true redeliveries collapse: the first message mid, the
// (sender, watermark) pair of a read receipt, or the story id. An envelope
// with none of these falls back to a content hash bucketed to the minute.
func (e *WebhookEnvelope) EventID(raw []byte, now time.Time) string {
	for _, entry := range e.Entry {
		for _, m := range entry.Messaging {
			if m.Message != nil && m.Message.MID != "" {
				return "msg:" + m.Message.MID
			}
			if m.Read != nil {
				return fmt.Sprintf("seen:%s:%d", m.Sender.ID, m.Read.Watermark)
			}
		}
		for _, c := range entry.Changes {
			if c.Field != "story_insights" {
				continue
			}
			var v StoryInsightsValue
			if err := json.Unmarshal(c.Value, &v); err == nil && v.StoryID != "" {
				return "story:" + v.StoryID
			}
		}
	}

	// Degraded mode: content hash + time bucket.
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("raw:%d:%s", now.Unix()/60, hex.EncodeToString(sum[:8]))
}

// MessageKind returns the normalized message type and extracted fields for a
// message sub-event, with the precedence: explicit text, then attachment
// typed by its declared kind, then story-reply marker.
func (m *Message) MessageKind() (msgType, text, mediaURL, mediaType, storyID, storyURL string) {
	if m.Text != "" {
		return domain.MessageTypeText, m.Text, "", "", "", ""
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		switch att.Type {
		case "image":
			return domain.MessageTypeImage, m.Text, att.Payload.URL, "image", "", ""
		case "video":
			return domain.MessageTypeVideo, m.Text, att.Payload.URL, "video", "", ""
		case "audio":
			return domain.MessageTypeAudio, m.Text, att.Payload.URL, "audio", "", ""
		case "share":
			return domain.MessageTypeMediaShare, m.Text, att.Payload.URL, att.Type, "", ""
		default:
			return domain.MessageTypeUnsupported, m.Text, att.Payload.URL, att.Type, "", ""
		}
	}
	if m.ReplyTo != nil && m.ReplyTo.Story != nil {
		return domain.MessageTypeStoryReply, m.Text, "", "", m.ReplyTo.Story.ID, m.ReplyTo.Story.URL
	}
	return domain.MessageTypeUnsupported, "", "", "", "", ""
}

// EventTime converts the platform's millisecond timestamp, falling back to
// now when the field is absent.
func (m *Messaging) EventTime(now time.Time) time.Time {
	if m.Timestamp <= 0 {
		return now
	}
	return time.UnixMilli(m.Timestamp).UTC()
}

// WatermarkTime converts the read watermark to a timestamp boundary.
func (r *Read) WatermarkTime() time.Time {
	return time.UnixMilli(r.Watermark).UTC()
}

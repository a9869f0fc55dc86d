package webhook

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
)

var (
	// ErrEventIgnored marks an event type that carries no feedback. Such
	// events are marked processed without a submission.
	ErrEventIgnored = errors.New("webhook event ignored")

	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Adapter turns one provider's payloads into submissions. Parse leaves
// WorkspaceID, IntegrationID and SourceType to the caller.
type Adapter interface {
	Provider() models.SourceType
	// EventType extracts the event name when the delivery did not carry one
	// out of band.
	EventType(payload map[string]any) string
	// DeliveryID extracts the provider's delivery id, or "" when the payload
	// has none.
	DeliveryID(payload map[string]any) string
	Parse(eventType string, payload map[string]any) (*ingest.Submission, error)
}

type Registry struct {
	adapters map[models.SourceType]Adapter
	fallback Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[models.SourceType]Adapter, len(adapters)),
		fallback: GenericAdapter{},
	}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// DefaultRegistry knows Zendesk, Intercom and the generic JSON shape.
func DefaultRegistry() *Registry {
	return NewRegistry(ZendeskAdapter{}, IntercomAdapter{}, GenericAdapter{})
}

// For returns the adapter for an integration type, falling back to the
// generic adapter.
func (r *Registry) For(t models.SourceType) Adapter {
	if a, ok := r.adapters[t]; ok {
		return a
	}
	return r.fallback
}

// flexID accepts ids sent as either JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexID(strings.Trim(s, `"`))
	return nil
}

type person struct {
	Type  string `json:"type"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Zendesk

type ZendeskAdapter struct{}

type zendeskPayload struct {
	Type   string `json:"type"`
	Ticket struct {
		ID          flexID         `json:"id"`
		Subject     string         `json:"subject"`
		Description string         `json:"description"`
		URL         string         `json:"url"`
		Priority    string         `json:"priority"`
		Tags        []string       `json:"tags"`
		Requester   person         `json:"requester"`
		Custom      map[string]any `json:"custom_fields"`
	} `json:"ticket"`
	Comment *struct {
		ID     flexID `json:"id"`
		Body   string `json:"body"`
		Public *bool  `json:"public"`
		Author person `json:"author"`
	} `json:"comment"`
}

func (ZendeskAdapter) Provider() models.SourceType { return models.SourceZendesk }

func (ZendeskAdapter) EventType(payload map[string]any) string {
	return strings.TrimPrefix(toString(payload["type"]), "zen:event-type:")
}

func (ZendeskAdapter) DeliveryID(payload map[string]any) string {
	return toString(payload["id"])
}

func (a ZendeskAdapter) Parse(eventType string, payload map[string]any) (*ingest.Submission, error) {
	var p zendeskPayload
	if err := decodeInto(payload, &p); err != nil {
		return nil, err
	}
	if p.Ticket.ID == "" {
		return nil, invalid("ticket.id", "is required")
	}

	meta := map[string]any{"ticket_id": string(p.Ticket.ID), "event_type": eventType}
	if p.Ticket.Priority != "" {
		meta["priority"] = p.Ticket.Priority
	}
	if len(p.Ticket.Tags) > 0 {
		meta["tags"] = p.Ticket.Tags
	}

	switch eventType {
	case "ticket.created":
		content := strings.TrimSpace(p.Ticket.Description)
		if subject := strings.TrimSpace(p.Ticket.Subject); subject != "" && !strings.HasPrefix(content, subject) {
			content = subject + "\n\n" + content
		}
		return &ingest.Submission{
			ExternalID:    optional("ticket:" + string(p.Ticket.ID)),
			RawContent:    content,
			CustomerEmail: optional(p.Ticket.Requester.Email),
			CustomerName:  optional(p.Ticket.Requester.Name),
			SourceURL:     optional(p.Ticket.URL),
			Metadata:      meta,
		}, nil

	case "ticket.comment_added":
		if p.Comment == nil || p.Comment.ID == "" {
			return nil, invalid("comment.id", "is required")
		}
		if p.Comment.Public != nil && !*p.Comment.Public {
			return nil, ErrEventIgnored
		}
		author := p.Comment.Author
		if author.Email == "" {
			author = p.Ticket.Requester
		}
		return &ingest.Submission{
			ExternalID:    optional("comment:" + string(p.Comment.ID)),
			RawContent:    p.Comment.Body,
			CustomerEmail: optional(author.Email),
			CustomerName:  optional(author.Name),
			SourceURL:     optional(p.Ticket.URL),
			Metadata:      meta,
		}, nil

	default:
		return nil, ErrEventIgnored
	}
}

// Intercom

type IntercomAdapter struct{}

type intercomPart struct {
	ID       flexID `json:"id"`
	PartType string `json:"part_type"`
	Body     string `json:"body"`
	Author   person `json:"author"`
}

type intercomPayload struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Data  struct {
		Item struct {
			ID     flexID `json:"id"`
			Source struct {
				Body   string `json:"body"`
				URL    string `json:"url"`
				Author person `json:"author"`
			} `json:"source"`
			Parts struct {
				Parts []intercomPart `json:"conversation_parts"`
			} `json:"conversation_parts"`
		} `json:"item"`
	} `json:"data"`
}

func (IntercomAdapter) Provider() models.SourceType { return models.SourceIntercom }

func (IntercomAdapter) EventType(payload map[string]any) string {
	return toString(payload["topic"])
}

func (IntercomAdapter) DeliveryID(payload map[string]any) string {
	return toString(payload["id"])
}

func (IntercomAdapter) Parse(eventType string, payload map[string]any) (*ingest.Submission, error) {
	var p intercomPayload
	if err := decodeInto(payload, &p); err != nil {
		return nil, err
	}
	item := p.Data.Item
	if item.ID == "" {
		return nil, invalid("data.item.id", "is required")
	}
	meta := map[string]any{"conversation_id": string(item.ID), "event_type": eventType}

	switch eventType {
	case "conversation.user.created":
		return &ingest.Submission{
			ExternalID:    optional("conversation:" + string(item.ID)),
			RawContent:    stripHTML(item.Source.Body),
			CustomerEmail: optional(item.Source.Author.Email),
			CustomerName:  optional(item.Source.Author.Name),
			SourceURL:     optional(item.Source.URL),
			Metadata:      meta,
		}, nil

	case "conversation.user.replied":
		var part *intercomPart
		for i := len(item.Parts.Parts) - 1; i >= 0; i-- {
			if c := &item.Parts.Parts[i]; c.Author.Type == "user" && c.ID != "" {
				part = c
				break
			}
		}
		if part == nil {
			return nil, ErrEventIgnored
		}
		return &ingest.Submission{
			ExternalID:    optional("part:" + string(part.ID)),
			RawContent:    stripHTML(part.Body),
			CustomerEmail: optional(part.Author.Email),
			CustomerName:  optional(part.Author.Name),
			Metadata:      meta,
		}, nil

	default:
		return nil, ErrEventIgnored
	}
}

// Generic

// GenericAdapter accepts submissions already in the ingestion shape:
// {"external_id", "content", "customer_email", "customer_name",
// "source_url", "metadata"}.
type GenericAdapter struct{}

type genericPayload struct {
	ExternalID    flexID         `json:"external_id"`
	Content       string         `json:"content"`
	RawContent    string         `json:"raw_content"`
	Text          string         `json:"text"`
	CustomerEmail string         `json:"customer_email"`
	CustomerName  string         `json:"customer_name"`
	SourceURL     string         `json:"source_url"`
	Metadata      map[string]any `json:"metadata"`
}

func (GenericAdapter) Provider() models.SourceType { return models.SourceWebhook }

func (GenericAdapter) EventType(payload map[string]any) string {
	if t := toString(payload["event_type"]); t != "" {
		return t
	}
	return toString(payload["type"])
}

func (GenericAdapter) DeliveryID(payload map[string]any) string {
	return toString(payload["delivery_id"])
}

func (GenericAdapter) Parse(eventType string, payload map[string]any) (*ingest.Submission, error) {
	switch eventType {
	case "ping", "test":
		return nil, ErrEventIgnored
	}

	var p genericPayload
	if err := decodeInto(payload, &p); err != nil {
		return nil, err
	}
	content := p.Content
	for _, alt := range []string{p.RawContent, p.Text} {
		if content == "" {
			content = alt
		}
	}
	return &ingest.Submission{
		ExternalID:    optional(string(p.ExternalID)),
		RawContent:    content,
		CustomerEmail: optional(p.CustomerEmail),
		CustomerName:  optional(p.CustomerName),
		SourceURL:     optional(p.SourceURL),
		Metadata:      p.Metadata,
	}, nil
}

// DecodePayload parses a delivery body. Only JSON objects are accepted.
func DecodePayload(body []byte) (map[string]any, error) {
	payload, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("expected a JSON object")
	}
	return payload, nil
}

// Keys of the stand-in payload recorded for a body that is not a JSON object.
const (
	rawBodyKey     = "_raw"
	decodeErrorKey = "_decode_error"
)

func rawPayload(body []byte, cause error) map[string]any {
	return map[string]any{
		rawBodyKey:     string(body),
		decodeErrorKey: cause.Error(),
	}
}

// undecodable returns ErrInvalidPayload for a stand-in payload, nil
// otherwise.
func undecodable(payload map[string]any) error {
	msg, ok := payload[decodeErrorKey].(string)
	if !ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
}

func decodeInto(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %w", ErrInvalidPayload, pipeline.Invalid(field, reason))
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	blockPattern = regexp.MustCompile(`(?i)<(br|/p|/div|/li)\s*/?>`)
)

func stripHTML(s string) string {
	s = blockPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

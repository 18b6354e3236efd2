package domain

import "fmt"

// ContentType tags the variant held by a ContentItem.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// ImageSource says where an image item is taken from.
type ImageSource string

const (
	SourceClipboard ImageSource = "clipboard"
	SourceFile      ImageSource = "file"
)

// ContentItem is one unit of payload. Which fields are meaningful depends on Type:
// text uses Content, image uses Source (and Path for file sources), file uses Path.
type ContentItem struct {
	Type    ContentType `json:"type" yaml:"type"`
	Content string      `json:"content,omitempty" yaml:"content,omitempty"`
	Source  ImageSource `json:"source,omitempty" yaml:"source,omitempty"`
	Path    string      `json:"path,omitempty" yaml:"path,omitempty"`
}

// Validate reports the first structural problem with the item, if any.
func (c ContentItem) Validate() error {
	switch c.Type {
	case ContentText:
		if c.Content == "" {
			return fmt.Errorf("text item requires content")
		}
	case ContentImage:
		switch c.Source {
		case SourceClipboard:
		case SourceFile:
			if c.Path == "" {
				return fmt.Errorf("image item with file source requires path")
			}
		case "":
			return fmt.Errorf("image item requires source")
		default:
			return fmt.Errorf("image source must be one of: clipboard, file (got %q)", c.Source)
		}
	case ContentFile:
		if c.Path == "" {
			return fmt.Errorf("file item requires path")
		}
	case "":
		return fmt.Errorf("item requires type")
	default:
		return fmt.Errorf("item type must be one of: text, image, file (got %q)", c.Type)
	}
	return nil
}

// Describe returns a short human label for logs and reports.
func (c ContentItem) Describe() string {
	switch c.Type {
	case ContentText:
		return fmt.Sprintf("text(%d chars)", len([]rune(c.Content)))
	case ContentImage:
		if c.Source == SourceClipboard {
			return "image(clipboard)"
		}
		return "image(" + c.Path + ")"
	case ContentFile:
		return "file(" + c.Path + ")"
	default:
		return string(c.Type)
	}
}

// RecipientGroup is a named set of chats sharing a tag set.
type RecipientGroup struct {
	ID         string   `json:"id" yaml:"-"`
	Tags       []string `json:"tags" yaml:"tags"`
	Recipients []string `json:"recipients" yaml:"recipients"`
}

// MessageDefinition is a catalog entry: tags deciding where it goes and the
// ordered content sent to every matching recipient.
type MessageDefinition struct {
	ID            string        `json:"id" yaml:"-"`
	Tags          []string      `json:"tags" yaml:"tags"`
	BlacklistTags []string      `json:"blacklist_tags,omitempty" yaml:"blacklist_tags,omitempty"`
	Content       []ContentItem `json:"content" yaml:"content"`
}

// Target is one recipient in a routing decision together with the content
// it should receive.
type Target struct {
	Recipient string        `json:"recipient"`
	Content   []ContentItem `json:"content"`
}

// RoutingDecision is the ordered, deduplicated recipient list for one message.
type RoutingDecision struct {
	MessageID string   `json:"message_id"`
	Targets   []Target `json:"targets"`
}

// Recipients returns the recipient names in delivery order.
func (d RoutingDecision) Recipients() []string {
	out := make([]string, len(d.Targets))
	for i, t := range d.Targets {
		out[i] = t.Recipient
	}
	return out
}

// Content returns the content routed to recipient and whether it is present.
func (d RoutingDecision) Content(recipient string) ([]ContentItem, bool) {
	for _, t := range d.Targets {
		if t.Recipient == recipient {
			return t.Content, true
		}
	}
	return nil, false
}

// Empty reports whether nobody is targeted.
func (d RoutingDecision) Empty() bool { return len(d.Targets) == 0 }

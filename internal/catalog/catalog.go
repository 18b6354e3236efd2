// Package catalog loads the YAML message catalog: recipient groups and the
// messages routed to them.
//
//	groups:
//	  friends:
//	    tags: [personal, weekend]
//	    recipients: [Alice, Bob]
//	messages:
//	  weekend_plan:
//	    tags: [weekend]
//	    blacklist_tags: [work]
//	    content:
//	      - type: text
//	        content: "Hiking on Saturday?"
//	      - type: image
//	        source: file
//	        path: images/trail.png
//
// Mapping order is significant: groups and messages keep the order in which
// they appear in the file.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"batchbot/internal/domain"
)

// Catalog is a validated, immutable snapshot of the catalog file.
type Catalog struct {
	Path     string
	Groups   []domain.RecipientGroup
	Messages []domain.MessageDefinition
}

// Message returns the definition with the given id.
func (c *Catalog) Message(id string) (domain.MessageDefinition, error) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.MessageDefinition{}, domain.NewConfigError("unknown message %q", id)
}

// MessageIDs returns message ids in catalog order.
func (c *Catalog) MessageIDs() []string {
	ids := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		ids[i] = m.ID
	}
	return ids
}

// MissingFiles lists attachment paths that do not exist on disk.
func (c *Catalog) MissingFiles() []string {
	var missing []string
	seen := make(map[string]bool)
	for _, m := range c.Messages {
		for _, it := range m.Content {
			if it.Path == "" || seen[it.Path] {
				continue
			}
			seen[it.Path] = true
			if _, err := os.Stat(it.Path); errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, it.Path)
			}
		}
	}
	return missing
}

// Load reads and validates the catalog at path. Relative attachment paths are
// resolved against the catalog's directory.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewConfigError("catalog file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read catalog %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	c.Path = abs
	return c, nil
}

type groupEntry struct {
	Tags       *[]string `yaml:"tags"`
	Recipients *[]string `yaml:"recipients"`
}

type messageEntry struct {
	Tags          *[]string             `yaml:"tags"`
	BlacklistTags []string              `yaml:"blacklist_tags"`
	Content       *[]domain.ContentItem `yaml:"content"`
}

// Parse decodes and validates catalog YAML. dir anchors relative paths.
// Every problem found is reported in one *domain.ConfigError.
func Parse(data []byte, dir string) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewConfigError("invalid catalog YAML: %v", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, domain.NewConfigError("catalog must be a mapping with groups and messages")
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	sections := map[string]*yaml.Node{}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		sections[root.Content[i].Value] = root.Content[i+1]
	}

	c := &Catalog{}

	groups, ok := sections["groups"]
	if !ok {
		addf("missing top-level key: groups")
	}
	eachEntry(groups, "groups", addf, func(id string, node *yaml.Node) {
		var e groupEntry
		if err := node.Decode(&e); err != nil {
			addf("groups.%s: %v", id, err)
			return
		}
		if e.Tags == nil {
			addf("groups.%s: missing tags", id)
		}
		if e.Recipients == nil {
			addf("groups.%s: missing recipients", id)
		}
		if e.Tags == nil || e.Recipients == nil {
			return
		}
		for i, r := range *e.Recipients {
			if r == "" {
				addf("groups.%s.recipients[%d]: blank recipient", id, i)
			}
		}
		c.Groups = append(c.Groups, domain.RecipientGroup{ID: id, Tags: *e.Tags, Recipients: *e.Recipients})
	})

	messages, ok := sections["messages"]
	if !ok {
		addf("missing top-level key: messages")
	}
	eachEntry(messages, "messages", addf, func(id string, node *yaml.Node) {
		var e messageEntry
		if err := node.Decode(&e); err != nil {
			addf("messages.%s: %v", id, err)
			return
		}
		if e.Tags == nil {
			addf("messages.%s: missing tags", id)
		}
		if e.Content == nil || len(*e.Content) == 0 {
			addf("messages.%s: content must list at least one item", id)
		}
		if e.Tags == nil || e.Content == nil {
			return
		}
		content := *e.Content
		for i := range content {
			if err := content[i].Validate(); err != nil {
				addf("messages.%s.content[%d]: %v", id, i, err)
				continue
			}
			if content[i].Path != "" && !filepath.IsAbs(content[i].Path) && dir != "" {
				content[i].Path = filepath.Join(dir, content[i].Path)
			}
		}
		c.Messages = append(c.Messages, domain.MessageDefinition{
			ID:            id,
			Tags:          *e.Tags,
			BlacklistTags: e.BlacklistTags,
			Content:       content,
		})
	})

	if len(problems) > 0 {
		return nil, &domain.ConfigError{Problems: problems}
	}
	return c, nil
}

// eachEntry walks a mapping section in file order, rejecting duplicate or
// empty ids.
func eachEntry(section *yaml.Node, name string, addf func(string, ...any), fn func(id string, node *yaml.Node)) {
	if section == nil {
		return
	}
	if section.Kind != yaml.MappingNode {
		// an empty section ("groups:") decodes as a null scalar
		if section.Kind == yaml.ScalarNode && section.Tag == "!!null" {
			return
		}
		addf("%s must be a mapping of id to definition", name)
		return
	}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(section.Content); i += 2 {
		id := section.Content[i].Value
		switch {
		case id == "":
			addf("%s: entry with empty id at line %d", name, section.Content[i].Line)
			continue
		case seen[id]:
			addf("%s.%s: duplicate id", name, id)
			continue
		}
		seen[id] = true
		fn(id, section.Content[i+1])
	}
}

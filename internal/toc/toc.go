// Package toc exposes the static table of contents of the reader.
package toc

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed contents.yaml
var embeddedContents []byte

// ErrInvalidContents indicates a malformed table of contents.
var ErrInvalidContents = errors.New("toc: invalid contents")

// Section is one readable unit of a volume.
type Section struct {
	ID       string `yaml:"id"`
	VolumeID string `yaml:"-"`
	Title    string `yaml:"title"`
	Slug     string `yaml:"slug"`
	Order    int    `yaml:"order"`
}

// Volume is an ordered group of sections.
type Volume struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Sections    []Section `yaml:"sections"`
}

type document struct {
	Volumes []Volume `yaml:"volumes"`
}

type position struct {
	volume  int
	section int
}

// Contents is an immutable, indexed table of contents.
type Contents struct {
	volumes []Volume
	index   map[string]position
	ordered []string
}

// Default returns the table of contents shipped with the reader.
func Default() (*Contents, error) {
	return Parse(embeddedContents)
}

// Parse decodes a YAML table of contents.
func Parse(data []byte) (*Contents, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContents, err)
	}

	contents := &Contents{
		volumes: make([]Volume, 0, len(doc.Volumes)),
		index:   make(map[string]position),
	}
	for volumeIndex, volume := range doc.Volumes {
		if strings.TrimSpace(volume.ID) == "" {
			return nil, fmt.Errorf("%w: volume %d has no id", ErrInvalidContents, volumeIndex)
		}
		sections := append([]Section(nil), volume.Sections...)
		sort.SliceStable(sections, func(i, j int) bool {
			return sections[i].Order < sections[j].Order
		})
		for sectionIndex := range sections {
			section := &sections[sectionIndex]
			if strings.TrimSpace(section.ID) == "" {
				return nil, fmt.Errorf("%w: volume %s has a section without id", ErrInvalidContents, volume.ID)
			}
			if _, duplicate := contents.index[section.ID]; duplicate {
				return nil, fmt.Errorf("%w: duplicate section %s", ErrInvalidContents, section.ID)
			}
			section.VolumeID = volume.ID
			contents.index[section.ID] = position{volume: volumeIndex, section: sectionIndex}
			contents.ordered = append(contents.ordered, section.ID)
		}
		volume.Sections = sections
		contents.volumes = append(contents.volumes, volume)
	}
	return contents, nil
}

// Volumes returns a copy of the volumes in reading order.
func (c *Contents) Volumes() []Volume {
	volumes := make([]Volume, len(c.volumes))
	for i, volume := range c.volumes {
		volume.Sections = append([]Section(nil), volume.Sections...)
		volumes[i] = volume
	}
	return volumes
}

// SectionExists reports whether the section id is part of the contents.
func (c *Contents) SectionExists(sectionID string) bool {
	_, ok := c.index[sectionID]
	return ok
}

// SectionIDs returns every section id in reading order.
func (c *Contents) SectionIDs() []string {
	return append([]string(nil), c.ordered...)
}

// TotalSections returns the number of sections across all volumes.
func (c *Contents) TotalSections() int {
	return len(c.ordered)
}

// Section returns the section and its volume.
func (c *Contents) Section(sectionID string) (Section, Volume, bool) {
	pos, ok := c.index[sectionID]
	if !ok {
		return Section{}, Volume{}, false
	}
	volume := c.volumes[pos.volume]
	return volume.Sections[pos.section], volume, true
}

// SectionBySlug finds a section by its volume and slug.
func (c *Contents) SectionBySlug(volumeID, slug string) (Section, bool) {
	for _, volume := range c.volumes {
		if volume.ID != volumeID {
			continue
		}
		for _, section := range volume.Sections {
			if section.Slug == slug {
				return section, true
			}
		}
	}
	return Section{}, false
}

// Adjacent returns the previous and next sections in reading order,
// crossing volume boundaries.
func (c *Contents) Adjacent(sectionID string) (previous *Section, next *Section) {
	pos, ok := c.index[sectionID]
	if !ok {
		return nil, nil
	}
	volume := c.volumes[pos.volume]
	if pos.section > 0 {
		section := volume.Sections[pos.section-1]
		previous = &section
	} else if prevVolume := c.nonEmptyVolume(pos.volume-1, -1); prevVolume != nil {
		section := prevVolume.Sections[len(prevVolume.Sections)-1]
		previous = &section
	}
	if pos.section < len(volume.Sections)-1 {
		section := volume.Sections[pos.section+1]
		next = &section
	} else if nextVolume := c.nonEmptyVolume(pos.volume+1, 1); nextVolume != nil {
		section := nextVolume.Sections[0]
		next = &section
	}
	return previous, next
}

func (c *Contents) nonEmptyVolume(start, step int) *Volume {
	for i := start; i >= 0 && i < len(c.volumes); i += step {
		if len(c.volumes[i].Sections) > 0 {
			return &c.volumes[i]
		}
	}
	return nil
}

package toc

import (
	"errors"
	"testing"
)

func TestDefaultContentsIndexesSections(t *testing.T) {
	contents, err := Default()
	if err != nil {
		t.Fatalf("unexpected error loading contents: %v", err)
	}
	if contents.TotalSections() != 13 {
		t.Fatalf("expected 13 sections, got %d", contents.TotalSections())
	}
	if !contents.SectionExists("4-05") {
		t.Fatalf("expected section 4-05 to exist")
	}
	if contents.SectionExists("9-99") {
		t.Fatalf("did not expect section 9-99")
	}

	section, volume, ok := contents.Section("1-02")
	if !ok {
		t.Fatalf("expected section lookup to succeed")
	}
	if section.VolumeID != "1" || volume.ID != "1" || section.Slug != "listening-dharma" {
		t.Fatalf("unexpected section %#v in volume %s", section, volume.ID)
	}

	ids := contents.SectionIDs()
	if ids[0] != "1-01" || ids[len(ids)-1] != "4-10" {
		t.Fatalf("unexpected reading order %v", ids)
	}
}

func TestAdjacentCrossesVolumes(t *testing.T) {
	contents, err := Default()
	if err != nil {
		t.Fatalf("unexpected error loading contents: %v", err)
	}

	previous, next := contents.Adjacent("1-03")
	if previous == nil || previous.ID != "1-02" {
		t.Fatalf("unexpected previous section %#v", previous)
	}
	if next == nil || next.ID != "4-01" {
		t.Fatalf("expected next section in following volume, got %#v", next)
	}

	previous, _ = contents.Adjacent("4-01")
	if previous == nil || previous.ID != "1-03" {
		t.Fatalf("expected previous section in preceding volume, got %#v", previous)
	}

	previous, _ = contents.Adjacent("1-01")
	if previous != nil {
		t.Fatalf("expected no section before the first one")
	}
	_, next = contents.Adjacent("4-10")
	if next != nil {
		t.Fatalf("expected no section after the last one")
	}
}

func TestSectionBySlug(t *testing.T) {
	contents, err := Default()
	if err != nil {
		t.Fatalf("unexpected error loading contents: %v", err)
	}
	section, ok := contents.SectionBySlug("4", "b-poryadok-sozertsaniya")
	if !ok || section.ID != "4-06" {
		t.Fatalf("unexpected slug lookup result %#v", section)
	}
	if _, ok := contents.SectionBySlug("1", "b-poryadok-sozertsaniya"); ok {
		t.Fatalf("slug lookup must be scoped to the volume")
	}
}

func TestParseRejectsDuplicateSections(t *testing.T) {
	payload := []byte(`
volumes:
  - id: "1"
    sections:
      - {id: "a", order: 1}
  - id: "2"
    sections:
      - {id: "a", order: 1}
`)
	if _, err := Parse(payload); !errors.Is(err, ErrInvalidContents) {
		t.Fatalf("expected ErrInvalidContents, got %v", err)
	}
}

func TestParseOrdersSections(t *testing.T) {
	payload := []byte(`
volumes:
  - id: "1"
    sections:
      - {id: "b", order: 2}
      - {id: "a", order: 1}
`)
	contents, err := Parse(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := contents.SectionIDs()
	if ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected sections sorted by order, got %v", ids)
	}
}

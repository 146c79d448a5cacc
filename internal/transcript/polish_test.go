package transcript_test

import (
	"testing"

	"github.com/mkurimoto/kaiwa/internal/transcript"
)

// --- Single-word snapping ---

func TestPolisher_SnapsMisheardWord(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Shinkansen"})

	got, corrections := p.Polish("I rode the shinkansan yesterday")
	if got != "I rode the Shinkansen yesterday" {
		t.Errorf("Polish=%q, want %q", got, "I rode the Shinkansen yesterday")
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1: %+v", len(corrections), corrections)
	}
	c := corrections[0]
	if c.Heard != "shinkansan" {
		t.Errorf("Heard=%q, want %q", c.Heard, "shinkansan")
	}
	if c.Term != "Shinkansen" {
		t.Errorf("Term=%q, want %q", c.Term, "Shinkansen")
	}
	if c.Score < 0.7 {
		t.Errorf("Score=%f, want >= 0.7", c.Score)
	}
}

// --- Multi-word terms ---

func TestPolisher_SnapsMultiWordTerm(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Kyoto Station"})

	got, corrections := p.Polish("meet me at kyoto stasion")
	if got != "meet me at Kyoto Station" {
		t.Errorf("Polish=%q, want %q", got, "meet me at Kyoto Station")
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1: %+v", len(corrections), corrections)
	}
	if corrections[0].Heard != "kyoto stasion" {
		t.Errorf("Heard=%q, want %q", corrections[0].Heard, "kyoto stasion")
	}
}

func TestPolisher_FragmentOfTermLeftAlone(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Kyoto Station"})

	// A lone "kyoto" must not be inflated to the full term.
	got, corrections := p.Polish("i will wait at kyoto for you")
	if got != "i will wait at kyoto for you" {
		t.Errorf("Polish=%q, want input unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections, want 0: %+v", len(corrections), corrections)
	}
}

// --- Verbatim matches ---

func TestPolisher_VerbatimTermNotRecorded(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Shinkansen"})

	got, corrections := p.Polish("the Shinkansen is fast")
	if got != "the Shinkansen is fast" {
		t.Errorf("Polish=%q, want input unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections for a verbatim term, want 0: %+v", len(corrections), corrections)
	}
}

func TestPolisher_RestoresTermCasing(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Shinkansen"})

	got, corrections := p.Polish("the shinkansen is fast")
	if got != "the Shinkansen is fast" {
		t.Errorf("Polish=%q, want %q", got, "the Shinkansen is fast")
	}
	if len(corrections) != 1 {
		t.Fatalf("got %d corrections, want 1 (casing restored): %+v", len(corrections), corrections)
	}
}

// --- Pass-through ---

func TestPolisher_EmptyVocabularyPassesThrough(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher(nil)

	got, corrections := p.Polish("anything at all")
	if got != "anything at all" {
		t.Errorf("Polish=%q, want input unchanged", got)
	}
	if corrections != nil {
		t.Errorf("corrections=%+v, want nil", corrections)
	}
}

func TestPolisher_UnsegmentedJapanesePassesThrough(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Shinkansen", "Kyoto Station"})

	got, corrections := p.Polish("こんにちは、元気です")
	if got != "こんにちは、元気です" {
		t.Errorf("Polish=%q, want input unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("got %d corrections, want 0: %+v", len(corrections), corrections)
	}
}

func TestPolisher_EmptyTextPassesThrough(t *testing.T) {
	t.Parallel()

	p := transcript.NewPolisher([]string{"Shinkansen"})

	if got, corrections := p.Polish(""); got != "" || corrections != nil {
		t.Errorf("Polish(%q)=(%q, %+v), want unchanged and nil", "", got, corrections)
	}
}

package generation

import "github.com/MegaGrindStone/streamchat/internal/models"

// Aggregator accumulates the grounding citations of one generation. The raw list only grows; Sources
// returns the deduplicated view, one entry per uri, in the order each uri was first seen and with
// the title from its most recent occurrence.
type Aggregator struct {
	raw []models.GroundingSource
}

// Add appends the web sources of chunks to the raw list. Chunks without a web source, or with an
// empty uri, carry nothing to cite and are skipped.
func (a *Aggregator) Add(chunks []models.GroundingChunk) {
	for _, c := range chunks {
		if c.Web == nil || c.Web.URI == "" {
			continue
		}
		a.raw = append(a.raw, models.GroundingSource{Title: c.Web.Title, URI: c.Web.URI})
	}
}

// Len returns the number of raw entries collected so far.
func (a *Aggregator) Len() int {
	return len(a.raw)
}

// Sources returns the deduplicated view, or nil if nothing was collected.
func (a *Aggregator) Sources() []models.GroundingSource {
	if len(a.raw) == 0 {
		return nil
	}

	pos := make(map[string]int, len(a.raw))
	sources := make([]models.GroundingSource, 0, len(a.raw))
	for _, src := range a.raw {
		if i, ok := pos[src.URI]; ok {
			sources[i] = src
			continue
		}
		pos[src.URI] = len(sources)
		sources = append(sources, src)
	}
	return sources
}

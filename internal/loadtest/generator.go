package loadtest

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

// Generator produces deterministic batches for a seed.
type Generator struct {
	rng        *rand.Rand
	guidelines []string
	version    string
}

// NewGenerator builds a generator over the given guideline ids.
func NewGenerator(seed uint64, guidelines []string, version string) *Generator {
	return &Generator{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		guidelines: guidelines,
		version:    version,
	}
}

// Batches returns one batch per device. Each batch rates a random non-empty
// subset of the guidelines; a guideline may appear more than once.
func (g *Generator) Batches(devices int) []Batch {
	out := make([]Batch, devices)
	for i := range out {
		out[i] = Batch{
			DeviceID:       uuid.NewString(),
			ConsentVersion: g.version,
			Evaluations:    g.items(),
		}
	}
	return out
}

// Resubmission returns a different batch for the same device.
func (g *Generator) Resubmission(b Batch) Batch {
	return Batch{DeviceID: b.DeviceID, ConsentVersion: b.ConsentVersion, Evaluations: g.items()}
}

func (g *Generator) items() []Item {
	n := 1 + g.rng.IntN(len(g.guidelines)+1)
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			GuidelineID: g.guidelines[g.rng.IntN(len(g.guidelines))],
			Percentage:  g.rng.IntN(101),
		}
	}
	return items
}

// Expected accumulates the count and sum an accepted batch adds per guideline.
type Expected map[string]struct{ Count, Sum int64 }

// Add records b as accepted.
func (e Expected) Add(b Batch) {
	for _, it := range b.Evaluations {
		cur := e[it.GuidelineID]
		cur.Count++
		cur.Sum += int64(it.Percentage)
		e[it.GuidelineID] = cur
	}
}

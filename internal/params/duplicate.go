package params

import (
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// FindDuplicate returns the first existing job whose parameters equal
// candidate at every schema key, comparing the stringified values. Returns
// nil when no job matches.
func FindDuplicate(existing []models.Job, candidate map[string]any, schemaKeys []string) *models.Job {
	for i := range existing {
		if sameAt(existing[i].Parameter, candidate, schemaKeys) {
			return &existing[i]
		}
	}
	return nil
}

func sameAt(a, b map[string]any, keys []string) bool {
	for _, k := range keys {
		if Stringify(a[k]) != Stringify(b[k]) {
			return false
		}
	}
	return true
}

// FindDuplicateFor normalizes both the candidate and every existing job
// through the job type's schema before comparing them.
func FindDuplicateFor(d jobtype.Descriptor, existing []models.Job, candidate map[string]any) *models.Job {
	keys := d.SchemaKeys()
	want := NormalizeSet(d, candidate)
	for i := range existing {
		if sameAt(NormalizeSet(d, existing[i].Parameter), want, keys) {
			return &existing[i]
		}
	}
	return nil
}

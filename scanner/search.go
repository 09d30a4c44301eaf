package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"pairfinder/database"
	"pairfinder/imageprocessor"
	"pairfinder/scale"
	"pairfinder/types"
)

// SearchOptions defines the parameters for a cache search
type SearchOptions struct {
	QueryPath string
	Threshold float64
	Limit     int
	Scale     scale.Options
}

// Candidate is a cached image that may be the counterpart of a query
type Candidate struct {
	Record     types.ImageRecord
	Similarity float64
	// Estimate treats the larger image of the two as HQ
	Estimate scale.Estimate
}

// SearchCache fingerprints the query image and ranks the cached records of
// the same backend by similarity
func SearchCache(ctx context.Context, db *sql.DB, fp imageprocessor.Fingerprinter, options SearchOptions) (types.ImageRecord, []Candidate, error) {
	results := FingerprintFiles(ctx, []string{options.QueryPath}, fp, Options{Workers: 1})
	query := results[0]
	if !query.OK() {
		return types.ImageRecord{}, nil, query.Err
	}

	records, err := database.QueryFingerprints(db, fp.Name())
	if err != nil {
		return query.Record, nil, fmt.Errorf("load cached fingerprints: %w", err)
	}

	var candidates []Candidate
	for _, rec := range records {
		if rec.Path == query.Record.Path {
			continue
		}
		sim := imageprocessor.Similarity(query.Record.Fingerprint, rec.Fingerprint)
		if sim < options.Threshold {
			continue
		}
		hq, lq := rec, query.Record
		if lq.Width*lq.Height > hq.Width*hq.Height {
			hq, lq = lq, hq
		}
		candidates = append(candidates, Candidate{
			Record:     rec,
			Similarity: sim,
			Estimate:   scale.EstimateRecords(hq, lq, options.Scale),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Record.Path < candidates[j].Record.Path
	})
	if options.Limit > 0 && len(candidates) > options.Limit {
		candidates = candidates[:options.Limit]
	}
	return query.Record, candidates, nil
}

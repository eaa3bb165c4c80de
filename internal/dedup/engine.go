// Package dedup resolves raw scraped candidates into canonical place
// records. Identity is the provider's stable place ID when present, and a
// geometric fingerprint of normalized name, quantized coordinates and
// category otherwise.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
)

// DefaultCoordinatePrecision quantizes coordinates into buckets of 4
// decimal places, roughly 11 meters at the equator, when deriving
// geometric identity keys.
const DefaultCoordinatePrecision = 4

// Config tunes identity key derivation.
type Config struct {
	// CoordinatePrecision is the number of decimal places defining the
	// coordinate bucket size for geometric keys. Zero means the default.
	CoordinatePrecision int
}

// Engine resolves candidates against a place store.
type Engine struct {
	store     harvest.PlaceStore
	clock     harvest.Clock
	logger    *zap.Logger
	precision int
}

// New creates an Engine writing through to store.
func New(store harvest.PlaceStore, clock harvest.Clock, logger *zap.Logger, cfg Config) *Engine {
	precision := cfg.CoordinatePrecision
	if precision <= 0 {
		precision = DefaultCoordinatePrecision
	}
	return &Engine{
		store:     store,
		clock:     clock,
		logger:    logger,
		precision: precision,
	}
}

// Resolve derives the candidate's identity key and upserts it. Returns
// OutcomeInserted for a new place and OutcomeMerged when an existing row
// absorbed the candidate. Geometric merges are logged because two distinct
// venues can share a rounded coordinate.
func (e *Engine) Resolve(ctx context.Context, candidate harvest.CandidatePlace) (harvest.UpsertOutcome, error) {
	if err := validate(candidate); err != nil {
		return "", err
	}

	key := e.IdentityKey(candidate)
	if candidate.ProviderID == "" {
		adopted, err := e.neighborKey(ctx, candidate, key)
		if err != nil {
			return "", err
		}
		key = adopted
	}
	now := e.clock.Now().UTC()

	place := harvest.Place{
		Key:         key,
		ProviderID:  candidate.ProviderID,
		Name:        candidate.Name,
		Address:     candidate.Address,
		Lat:         candidate.Lat,
		Lng:         candidate.Lng,
		Phone:       candidate.Phone,
		Website:     candidate.Website,
		Rating:      candidate.Rating,
		ReviewCount: candidate.ReviewCount,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if candidate.Category != "" {
		place.Categories = []string{strings.ToLower(candidate.Category)}
	}
	if candidate.SourceCell != "" {
		place.SourceCells = []string{candidate.SourceCell}
	}

	outcome, err := e.store.Upsert(ctx, place)
	if err != nil {
		return "", fmt.Errorf("upserting place %s: %w", key, err)
	}
	if outcome == harvest.OutcomeMerged && candidate.ProviderID == "" {
		e.logger.Warn("merged place on geometric identity",
			zap.String("key", key),
			zap.String("name", candidate.Name),
			zap.String("cell", candidate.SourceCell),
		)
	}
	return outcome, nil
}

// ResolveAll resolves a payload's candidates in order, short-circuiting
// duplicates that appear more than once within the same payload. Returns
// the per-candidate outcomes.
func (e *Engine) ResolveAll(ctx context.Context, candidates []harvest.CandidatePlace) ([]harvest.UpsertOutcome, error) {
	seen := make(map[string]struct{}, len(candidates))
	outcomes := make([]harvest.UpsertOutcome, 0, len(candidates))
	for _, candidate := range candidates {
		if err := validate(candidate); err != nil {
			return outcomes, err
		}
		key := e.IdentityKey(candidate)
		if _, dup := seen[key]; dup {
			outcomes = append(outcomes, harvest.OutcomeSkippedDuplicate)
			continue
		}
		seen[key] = struct{}{}
		outcome, err := e.Resolve(ctx, candidate)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// IdentityKey derives the stable identity key for a candidate.
func (e *Engine) IdentityKey(candidate harvest.CandidatePlace) string {
	if candidate.ProviderID != "" {
		return "pid:" + candidate.ProviderID
	}
	return geoKey(
		NormalizeName(candidate.Name),
		bucketCoord(candidate.Lat, e.precision),
		bucketCoord(candidate.Lng, e.precision),
		strings.ToLower(strings.TrimSpace(candidate.Category)),
	)
}

// neighborKey looks up the eight adjacent coordinate buckets for an
// existing geometric key. A venue sitting near a bucket edge can quantize
// into either side depending on reported coordinates, so the candidate
// adopts a neighboring key when one already holds a place.
func (e *Engine) neighborKey(ctx context.Context, candidate harvest.CandidatePlace, key string) (string, error) {
	name := NormalizeName(candidate.Name)
	category := strings.ToLower(strings.TrimSpace(candidate.Category))
	latBucket := bucketCoord(candidate.Lat, e.precision)
	lngBucket := bucketCoord(candidate.Lng, e.precision)
	for dLat := int64(-1); dLat <= 1; dLat++ {
		for dLng := int64(-1); dLng <= 1; dLng++ {
			if dLat == 0 && dLng == 0 {
				continue
			}
			neighbor := geoKey(name, latBucket+dLat, lngBucket+dLng, category)
			_, err := e.store.Get(ctx, neighbor)
			if err == nil {
				return neighbor, nil
			}
			if !errors.Is(err, harvest.ErrPlaceNotFound) {
				return "", fmt.Errorf("checking neighbor bucket %s: %w", neighbor, err)
			}
		}
	}
	return key, nil
}

// NormalizeName lowercases a venue name, strips punctuation and collapses
// runs of whitespace so cosmetic variants hash to the same key.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func geoKey(name string, latBucket, lngBucket int64, category string) string {
	return fmt.Sprintf("geo:%s|%d|%d|%s", name, latBucket, lngBucket, category)
}

// bucketCoord floors a coordinate into an integer bucket instead of
// rounding, so nearby readings never straddle a round-half boundary.
func bucketCoord(v float64, precision int) int64 {
	return int64(math.Floor(v * math.Pow10(precision)))
}

func validate(candidate harvest.CandidatePlace) error {
	if candidate.ProviderID == "" && strings.TrimSpace(candidate.Name) == "" {
		return fmt.Errorf("candidate has neither provider ID nor name")
	}
	if candidate.Lat < -90 || candidate.Lat > 90 || candidate.Lng < -180 || candidate.Lng > 180 {
		return fmt.Errorf("candidate %q has out-of-range coordinates (%f, %f)", candidate.Name, candidate.Lat, candidate.Lng)
	}
	return nil
}

package headless

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/placegrid/harvester/internal/harvest"
)

// The rendered feed lists each hit as an anchor to its place page. The
// href carries the coordinates (!3d<lat>!4d<lng>) and the provider's
// stable hex place ID (!1s<id>), the aria-label carries the display name.
var (
	placeAnchorRe = regexp.MustCompile(`<a[^>]+href="([^"]*/maps/place/[^"]+)"[^>]*aria-label="([^"]+)"`)
	coordsRe      = regexp.MustCompile(`!3d(-?\d+(?:\.\d+)?)!4d(-?\d+(?:\.\d+)?)`)
	placeIDRe     = regexp.MustCompile(`!1s(0x[0-9a-fA-F]+:0x[0-9a-fA-F]+)`)
	ratingRe      = regexp.MustCompile(`aria-label="([\d.]+) stars? ([\d,]+) [Rr]eviews?"`)
	emptyFeedRe   = regexp.MustCompile(`(?i)no results found|can(?:&#39;|')t find`)
)

// ParseResults extracts candidate places from a rendered search page. An
// empty feed with an explicit no-results notice parses to zero candidates;
// a page with neither feed entries nor that notice is a parse failure,
// because it usually means the provider changed its markup.
func ParseResults(pageHTML string, item harvest.WorkItem) ([]harvest.CandidatePlace, error) {
	anchors := placeAnchorRe.FindAllStringSubmatch(pageHTML, -1)
	if len(anchors) == 0 {
		if emptyFeedRe.MatchString(pageHTML) {
			return nil, nil
		}
		return nil, fmt.Errorf("no place anchors and no empty-feed notice")
	}

	ratings := parseRatings(pageHTML)
	seen := make(map[string]struct{}, len(anchors))
	candidates := make([]harvest.CandidatePlace, 0, len(anchors))
	for i, anchor := range anchors {
		href := html.UnescapeString(anchor[1])
		name := strings.TrimSpace(html.UnescapeString(anchor[2]))
		if name == "" {
			continue
		}
		if _, dup := seen[href]; dup {
			continue
		}
		seen[href] = struct{}{}

		candidate := harvest.CandidatePlace{
			Name:       name,
			Category:   item.Category.Name,
			SourceCell: item.Cell.Token,
			SourceURL:  href,
		}
		if m := coordsRe.FindStringSubmatch(href); m != nil {
			candidate.Lat, _ = strconv.ParseFloat(m[1], 64)
			candidate.Lng, _ = strconv.ParseFloat(m[2], 64)
		} else {
			// No coordinates in the href; fall back to the cell centroid
			// so geometric identity still lands in the right bucket.
			candidate.Lat = item.Cell.Lat
			candidate.Lng = item.Cell.Lng
		}
		if m := placeIDRe.FindStringSubmatch(href); m != nil {
			candidate.ProviderID = m[1]
		}
		if i < len(ratings) {
			candidate.Rating = ratings[i].rating
			candidate.ReviewCount = ratings[i].reviews
		}
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all %d place anchors were unparseable", len(anchors))
	}
	return candidates, nil
}

type ratingInfo struct {
	rating  float64
	reviews int
}

func parseRatings(pageHTML string) []ratingInfo {
	matches := ratingRe.FindAllStringSubmatch(pageHTML, -1)
	out := make([]ratingInfo, 0, len(matches))
	for _, m := range matches {
		rating, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		reviews, err := strconv.Atoi(strings.ReplaceAll(m[2], ",", ""))
		if err != nil {
			continue
		}
		out = append(out, ratingInfo{rating: rating, reviews: reviews})
	}
	return out
}

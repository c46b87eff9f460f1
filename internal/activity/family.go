package activity

import "strings"

// families maps the words people use for a sport to the upstream
// activity types that belong to it.
var families = map[string][]string{
	"run":  {"Run", "TrailRun", "VirtualRun"},
	"ride": {"Ride", "VirtualRide", "GravelRide", "MountainBikeRide", "EBikeRide", "EMountainBikeRide"},
	"swim": {"Swim"},
	"hike": {"Hike"},
	"walk": {"Walk"},
}

// familyAliases normalizes inflections and synonyms to a family key.
var familyAliases = map[string]string{
	"run": "run", "runs": "run", "running": "run", "jog": "run", "jogs": "run",
	"ride": "ride", "rides": "ride", "riding": "ride", "bike": "ride",
	"biking": "ride", "cycle": "ride", "cycling": "ride", "bike ride": "ride",
	"swim": "swim", "swims": "swim", "swimming": "swim",
	"hike": "hike", "hikes": "hike", "hiking": "hike",
	"walk": "walk", "walks": "walk", "walking": "walk",
}

// Family resolves a word ("running", "Ride", "TrailRun") to a family key.
// It returns "" when the word names no known family.
func Family(word string) string {
	w := strings.ToLower(strings.TrimSpace(word))
	if f, ok := familyAliases[w]; ok {
		return f
	}
	for fam, types := range families {
		for _, t := range types {
			if strings.EqualFold(t, w) {
				return fam
			}
		}
	}
	return ""
}

// MatchesType reports whether the record belongs to the requested type.
// The request may be a family word ("run") or an exact upstream type
// ("TrailRun"). An empty request matches everything.
func (r Record) MatchesType(want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	if strings.EqualFold(r.Type, want) {
		return true
	}
	fam := familyAliases[strings.ToLower(want)]
	if fam == "" {
		return false
	}
	for _, t := range families[fam] {
		if strings.EqualFold(t, r.Type) {
			return true
		}
	}
	return false
}

// FamilyFromText scans free text for the first sport word it knows.
func FamilyFromText(text string) string {
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z')
	}) {
		if f, ok := familyAliases[word]; ok {
			return f
		}
	}
	return ""
}

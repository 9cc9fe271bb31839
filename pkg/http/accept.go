package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks a content type based on the request's
// Accept header and an ordered list of types we can produce. Among
// acceptable types the highest quality wins; ties go to the type
// listed first in orderedPref.
func negotiateContentType(r *http.Request, orderedPref []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return orderedPref[0]
	}

	var acceptable []header.AcceptSpec
	for _, spec := range specs {
		if indexOf(orderedPref, spec.Value) < len(orderedPref) {
			acceptable = append(acceptable, spec)
		}
	}
	if len(acceptable) == 0 {
		return ""
	}
	sort.Sort(byPreference{acceptable, orderedPref})
	return acceptable[0].Value
}

// byPreference sorts accept specs by descending quality, then by the
// server's own preference order.
type byPreference struct {
	specs []header.AcceptSpec
	prefs []string
}

func (s byPreference) Len() int { return len(s.specs) }

func (s byPreference) Less(i, j int) bool {
	if s.specs[i].Q == s.specs[j].Q {
		return indexOf(s.prefs, s.specs[i].Value) < indexOf(s.prefs, s.specs[j].Value)
	}
	return s.specs[i].Q > s.specs[j].Q
}

func (s byPreference) Swap(i, j int) {
	s.specs[i], s.specs[j] = s.specs[j], s.specs[i]
}

// indexOf returns len(ss) when search is absent, so the result sorts
// after every present entry.
func indexOf(ss []string, search string) int {
	for i, s := range ss {
		if s == search {
			return i
		}
	}
	return len(ss)
}

package joiner

import (
	"net"
	"sort"
	"strconv"
	"strings"
)

// Candidate is one address a host may be reachable at.
type Candidate struct {
	Host string
	Port uint16
}

func (c Candidate) String() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func (c Candidate) IsIPv6() bool {
	return strings.Contains(c.Host, ":")
}

// SortCandidates orders list so the preferred address family comes first.
// Order within a family is kept.
func SortCandidates(list []Candidate, preferIPv6 bool) []Candidate {
	out := append([]Candidate(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsIPv6() == preferIPv6 && out[j].IsIPv6() != preferIPv6
	})
	return out
}

package model

import (
	"net"
	"sort"
	"strconv"
)

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NormalizeSet returns a sorted copy of s with duplicates and empty
// entries removed. Flag and label sets are compared in this form.
func NormalizeSet(s []string) []string {
	if len(s) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// SetsEqual reports whether a and b hold the same members.
func SetsEqual(a, b []string) bool {
	na, nb := NormalizeSet(a), NormalizeSet(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

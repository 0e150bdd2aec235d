package domain

import (
	"time"
)

// TTL is a secret lifetime in seconds. Zero is the never-expire sentinel.
type TTL int64

const Never TTL = 0

type Privilege int

const (
	Anonymous Privilege = iota
	Authenticated
	Admin
)

var ttlPrivileges = map[TTL]Privilege{
	300:     Anonymous,
	1800:    Anonymous,
	3600:    Anonymous,
	14400:   Anonymous,
	43200:   Anonymous,
	86400:   Anonymous,
	259200:  Anonymous,
	604800:  Anonymous,
	1209600: Authenticated,
	2419200: Authenticated,
	Never:   Admin,
}

func (t TTL) Valid() bool {
	_, ok := ttlPrivileges[t]
	return ok
}

// Required returns the least privilege allowed to use t.
func (t TTL) Required() Privilege {
	p, ok := ttlPrivileges[t]
	if !ok {
		return Admin
	}
	return p
}
func (t TTL) Duration() time.Duration {
	return time.Duration(t) * time.Second
}
func (t TTL) ExpiresAt(now time.Time) time.Time {
	if t == Never {
		return NeverExpires
	}
	return now.Add(t.Duration())
}

// AllowedTTLs lists the accepted values for p, shortest first.
func AllowedTTLs(p Privilege) []TTL {
	out := make([]TTL, 0, len(ttlPrivileges))
	for _, t := range []TTL{300, 1800, 3600, 14400, 43200, 86400, 259200, 604800, 1209600, 2419200, Never} {
		if ttlPrivileges[t] <= p {
			out = append(out, t)
		}
	}
	return out
}

package domain

import (
	"time"
)

// NeverExpires is stored as expiresAt for secrets created with the
// never-expire TTL, so reads keep a single expiresAt > now filter.
var NeverExpires = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

const (
	MinViews = 1
	MaxViews = 999
)

type Secret struct {
	ID          string    `json:"id"`
	Ciphertext  []byte    `json:"-"`
	Title       []byte    `json:"-"`
	WrappedKey  []byte    `json:"-"`
	PassHash    string    `json:"-"`
	AllowedIP   string    `json:"-"`
	MaxViews    int       `json:"maxViews"`
	PreventBurn bool      `json:"preventBurn"`
	IsPublic    bool      `json:"isPublic"`
	Username    string    `json:"username,omitempty"`
	Files       []FileRef `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Secret) RequiresPassword() bool { return s.PassHash != "" }
func (s *Secret) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
func (s *Secret) NeverExpires() bool {
	return !s.ExpiresAt.Before(NeverExpires)
}

// FileRef points at an attachment blob held by the file storage.
type FileRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// File is an attachment travelling with a create or consume call.
type File struct {
	Name string
	Data []byte
}

type CreateParams struct {
	Text        string
	Title       string
	TTL         TTL
	Password    string
	AllowedIP   string
	PreventBurn bool
	MaxViews    int
	IsPublic    bool
	Username    string
	Files       []File
}

// Probe is the read-only view returned by an existence check.
type Probe struct {
	ID               string
	RequiresPassword bool
	MaxViews         int
	PreventBurn      bool
	AllowedIP        string
}

// Outcome is the lifecycle transition applied by a successful consume.
type Outcome int

const (
	OutcomeDecremented Outcome = iota + 1
	OutcomeDeleted
	OutcomeFloor
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecremented:
		return "decremented"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeFloor:
		return "floor"
	}
	return "unknown"
}

// Consumed is what a reader gets back from a successful consume.
type Consumed struct {
	Secret  *Secret
	Files   []File
	Outcome Outcome
}

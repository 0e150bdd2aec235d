package guard

import (
	"encoding/base64"

	"vanish/cfg"
	"vanish/pkg/domain"
	"vanish/svc/auth"
)

const maxPasswordLength = 1024

// ValidateCreate checks shape, size and privilege of a create request. It
// never touches storage.
func ValidateCreate(p *domain.CreateParams, caller auth.Caller, s cfg.Settings, l cfg.LimitsCfg) error {
	if p.Text == "" {
		return domain.ErrContentRequired
	}
	if int64(len(p.Text)) > l.MaxSecretSize {
		return domain.ErrSecretTooLarge
	}
	if !isBase64(p.Text) {
		return domain.ErrInvalidCiphertext
	}
	if len(p.Title) > l.MaxTitleSize {
		return domain.ErrTitleTooLarge
	}
	if p.Title != "" && !isBase64(p.Title) {
		return domain.ErrInvalidCiphertext
	}
	if !p.TTL.Valid() {
		return domain.ErrInvalidTTL
	}
	if caller.Privilege() < p.TTL.Required() {
		return domain.ErrTTLNotAllowed
	}
	if p.MaxViews < domain.MinViews || p.MaxViews > domain.MaxViews {
		return domain.ErrInvalidMaxViews
	}
	if len(p.Password) > maxPasswordLength {
		return domain.ErrInvalidRequest
	}
	if p.AllowedIP != "" && !ValidIPRule(p.AllowedIP) {
		return domain.ErrInvalidAllowedIP
	}
	if p.IsPublic && !s.AllowPublicSecrets {
		return domain.ErrPublicDisabled
	}
	if len(p.Files) > 0 {
		if !s.AllowFiles {
			return domain.ErrFilesDisabled
		}
		if len(p.Files) > l.MaxFiles {
			return domain.ErrTooManyFiles
		}
		for _, f := range p.Files {
			if int64(len(f.Data)) > l.MaxFileSize {
				return domain.ErrFileTooLarge
			}
			if f.Name == "" || len(f.Data) == 0 {
				return domain.ErrInvalidRequest
			}
		}
	}
	return nil
}
func isBase64(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

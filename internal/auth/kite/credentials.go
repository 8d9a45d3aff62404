package kite

import (
	"github.com/yanun0323/errors"

	"venuelink/internal/catalog"
	"venuelink/internal/ops"
)

// CredentialsFor builds the login client for an exchange entry, or
// nil when the entry carries no usable credentials.
func CredentialsFor(ex ops.Exchange) (catalog.Credentials, error) {
	if ex.APIKey == "" || ex.UserID == "" {
		return nil, nil
	}
	client, err := NewClient(Config{
		APIKey:    ex.APIKey,
		APISecret: ex.APISecret,
		UserID:    ex.UserID,
		Password:  ex.Password,
		TOTPSeed:  ex.TOTPSecret,
		CacheDir:  ex.CacheDir,
		TokenPath: ex.AccessTokenPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build venue login client")
	}
	return client, nil
}

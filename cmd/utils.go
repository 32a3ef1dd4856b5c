package cmd

import (
	"net/url"

	"github.com/rubiojr/tavern/pkg/storage"
)

// describeDatabase hides the password of postgres URLs.
func describeDatabase(dsn string) string {
	if !storage.IsPostgresDSN(dsn) {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres"
	}
	return u.Redacted()
}

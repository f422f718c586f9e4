// Package migrations embeds the account-service schema for tooling and tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

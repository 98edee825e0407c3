// Package expectations embeds the schema expectations shipped with the
// business-management application.
package expectations

import (
	"embed"
	"io/fs"
)

//go:embed *.yaml
var files embed.FS

func FS() fs.FS {
	return files
}

// Business returns the expectation covering quotations, invoices, purchase
// orders, inventory and customers.
func Business() ([]byte, error) {
	return fs.ReadFile(files, "business.yaml")
}

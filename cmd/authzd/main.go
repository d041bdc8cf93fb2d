// Command authzd runs resource/role inventory loaders, the permissions
// resolver, the repository, and the UserRolesSyncer, fronted by an HTTP
// authorize/roles surface.
package main

import (
	"github.com/terraconstructs/authzd/cmd/authzd/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date, builtBy)
	cmd.Execute()
}

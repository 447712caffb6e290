// Command fanfest-worker delivers signup confirmations and runs the recovery
// sweep. It shares the configuration file of the API.
package main

import (
	"os"

	"github.com/bissquit/fanfest-signup/internal/app"
)

func main() {
	os.Exit(app.Main("fanfest-worker", app.RoleWorker))
}

// Command fanfest serves the Fan Fest signup API.
package main

import (
	"os"

	"github.com/bissquit/fanfest-signup/internal/app"
)

func main() {
	os.Exit(app.Main("fanfest", app.RoleAPI))
}

// Command sandcastle runs coding instructions in isolated agent containers
// and tracks them until they finish.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sandcastle"),
		kong.Description("Run coding instructions inside isolated agent containers."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

package main

import (
	"github.com/fernwood-labs/lorekeeper/internal/server"
	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}

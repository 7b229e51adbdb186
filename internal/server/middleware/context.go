package middleware

import (
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/notes"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"
)

// App bundles the long-lived collaborators handlers need.
type App struct {
	DBConn      *pgxpool.Pool
	Queue       *amqp091.Channel
	Notes       *notes.Service
	Coordinator *dedupe.Coordinator
	Graph       store.GraphStore
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}

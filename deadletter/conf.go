package deadletter

import "github.com/curtisnewbie/microbus/config"

const (
	// record dropped messages in the dead letter store | false
	PropDeadLetterEnabled = "bus.deadletter.enabled"

	// database driver of the dead letter store, 'sqlite' or 'mysql' | sqlite
	PropDeadLetterDriver = "bus.deadletter.driver"

	// data source name of the dead letter store | microbus-deadletter.db
	PropDeadLetterDsn = "bus.deadletter.dsn"
)

func init() {
	config.SetDefProp(PropDeadLetterEnabled, false)
	config.SetDefProp(PropDeadLetterDriver, DriverSqlite)
	config.SetDefProp(PropDeadLetterDsn, "microbus-deadletter.db")
}

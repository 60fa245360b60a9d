package config

// Common Configuration
const (
	// name of the application | microbus
	PropAppName = "app.name"

	// log level | info
	PropLoggingLevel = "logging.level"

	// rolling log file, logs are only written to stdout if it's empty
	PropLoggingFile = "logging.file"

	// max size of each log file in mb | 50
	PropLoggingMaxSizeMb = "logging.max-size-mb"

	// max number of rolled log files kept | 10
	PropLoggingMaxBackups = "logging.max-backups"
)

func init() {
	SetDefProp(PropAppName, "microbus")
	SetDefProp(PropLoggingLevel, "info")
	SetDefProp(PropLoggingMaxSizeMb, 50)
	SetDefProp(PropLoggingMaxBackups, 10)
}

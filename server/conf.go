package server

import "github.com/curtisnewbie/microbus/config"

const (

	// enable http server | true
	PropServerEnabled = "server.enabled"

	// http server host | 0.0.0.0
	PropServerHost = "server.host"

	// http server port | 8080
	PropServerPort = "server.port"

	// health check url | /health
	PropHealthCheckUrl = "server.health-check-url"

	// logs time duration for each inbound http request | false
	PropServerPerfEnabled = "server.perf.enabled"
)

func init() {
	config.SetDefProp(PropServerEnabled, true)
	config.SetDefProp(PropServerHost, "0.0.0.0")
	config.SetDefProp(PropServerPort, 8080)
	config.SetDefProp(PropHealthCheckUrl, "/health")
	config.SetDefProp(PropServerPerfEnabled, false)
}

type Config struct {
	Host           string
	Port           int
	HealthCheckUrl string
	PerfEnabled    bool
}

func ConfigFromProps() Config {
	return Config{
		Host:           config.GetPropStr(PropServerHost),
		Port:           config.GetPropInt(PropServerPort),
		HealthCheckUrl: config.GetPropStr(PropHealthCheckUrl),
		PerfEnabled:    config.GetPropBool(PropServerPerfEnabled),
	}
}

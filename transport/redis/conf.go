package redis

import (
	"time"

	"github.com/curtisnewbie/microbus/config"
)

const (
	// Redis server host | localhost
	PropRedisAddress = "redis.address"

	// Redis server port | 6379
	PropRedisPort = "redis.port"

	// password
	PropRedisPassword = "redis.password"

	// database | 0
	PropRedisDatabase = "redis.database"

	// prefix of the list keys used as queues | microbus:queue:
	PropRedisQueuePrefix = "redis.queue-prefix"

	// timeout of each BRPOP call made by consumers (seconds) | 1
	PropRedisPollTimeoutSec = "redis.poll-timeout-sec"
)

func init() {
	config.SetDefProp(PropRedisAddress, "localhost")
	config.SetDefProp(PropRedisPort, 6379)
	config.SetDefProp(PropRedisPassword, "")
	config.SetDefProp(PropRedisDatabase, 0)
	config.SetDefProp(PropRedisQueuePrefix, "microbus:queue:")
	config.SetDefProp(PropRedisPollTimeoutSec, 1)
}

type Config struct {
	Address     string
	Port        int
	Password    string
	Database    int
	QueuePrefix string
	PollTimeout time.Duration
}

func ConfigFromProps() Config {
	return Config{
		Address:     config.GetPropStr(PropRedisAddress),
		Port:        config.GetPropInt(PropRedisPort),
		Password:    config.GetPropStr(PropRedisPassword),
		Database:    config.GetPropInt(PropRedisDatabase),
		QueuePrefix: config.GetPropStr(PropRedisQueuePrefix),
		PollTimeout: config.GetPropDur(PropRedisPollTimeoutSec, time.Second),
	}
}

package kafka

import "github.com/curtisnewbie/microbus/config"

const (
	// list of kafka server addresses | localhost:9092
	PropKafkaServerAddr = "kafka.server.addr"

	// consumer group id | microbus
	PropKafkaGroupId = "kafka.group-id"
)

func init() {
	config.SetDefProp(PropKafkaServerAddr, "localhost:9092")
	config.SetDefProp(PropKafkaGroupId, "microbus")
}

type Config struct {
	Addrs   []string
	GroupId string
}

func ConfigFromProps() Config {
	return Config{
		Addrs:   config.GetPropStrSlice(PropKafkaServerAddr),
		GroupId: config.GetPropStr(PropKafkaGroupId),
	}
}

package rabbit

import (
	"github.com/curtisnewbie/microbus/config"
)

const (
	// RabbitMQ server host | localhost
	PropRabbitMqHost = "rabbitmq.host"

	// RabbitMQ server port | 5672
	PropRabbitMqPort = "rabbitmq.port"

	// username used to connect to server | guest
	PropRabbitMqUsername = "rabbitmq.username"

	// password used to connect to server | guest
	PropRabbitMqPassword = "rabbitmq.password"

	// virtual host
	PropRabbitMqVhost = "rabbitmq.vhost"

	// consumer QOS | 68
	PropRabbitMqConsumerQos = "rabbitmq.consumer.qos"

	// declare durable queues and publish persistent messages | false
	PropRabbitMqDurable = "rabbitmq.durable"

	// share one connection among publishers and consumers, publishing channels are pooled | false
	PropRabbitMqSharedConnection = "rabbitmq.shared-connection"

	// max number of pooled publishing channels | 20
	PropRabbitMqPublisherPoolSize = "rabbitmq.publisher.pool-size"
)

func init() {
	config.SetDefProp(PropRabbitMqHost, "localhost")
	config.SetDefProp(PropRabbitMqPort, 5672)
	config.SetDefProp(PropRabbitMqUsername, "guest")
	config.SetDefProp(PropRabbitMqPassword, "guest")
	config.SetDefProp(PropRabbitMqVhost, "")
	config.SetDefProp(PropRabbitMqConsumerQos, DefaultQos)
	config.SetDefProp(PropRabbitMqDurable, false)
	config.SetDefProp(PropRabbitMqSharedConnection, false)
	config.SetDefProp(PropRabbitMqPublisherPoolSize, 20)
}

type Config struct {
	Host             string
	Port             int
	Username         string
	Password         string
	Vhost            string
	ConnectionName   string
	ConsumerQos      int
	Durable          bool
	SharedConnection bool
	PublisherPool    int
	ContentType      string
}

// Load Config from props.
func ConfigFromProps() Config {
	return Config{
		Host:             config.GetPropStr(PropRabbitMqHost),
		Port:             config.GetPropInt(PropRabbitMqPort),
		Username:         config.GetPropStr(PropRabbitMqUsername),
		Password:         config.GetPropStr(PropRabbitMqPassword),
		Vhost:            config.GetPropStr(PropRabbitMqVhost),
		ConnectionName:   config.GetPropStr(config.PropAppName),
		ConsumerQos:      config.GetPropInt(PropRabbitMqConsumerQos),
		Durable:          config.GetPropBool(PropRabbitMqDurable),
		SharedConnection: config.GetPropBool(PropRabbitMqSharedConnection),
		PublisherPool:    config.GetPropInt(PropRabbitMqPublisherPoolSize),
		ContentType:      "application/json",
	}
}

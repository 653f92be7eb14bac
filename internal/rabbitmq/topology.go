package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DeclareTopology declares exchanges, then queues, then bindings on ch.
// Declarations are idempotent as long as the properties match.
func DeclareTopology(ch *amqp.Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // noWait
			exchange.Arguments,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Err: err}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // noWait
			queue.Arguments,
		); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Err: err}
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // noWait
			binding.Arguments,
		); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Err: err}
		}
	}

	return nil
}

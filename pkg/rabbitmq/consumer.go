package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers messages from a durable queue bound to a topic exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to every routing key in bindings and starts
// `workers` delivery goroutines. Deliveries are acked before the handler runs, so
// a crash mid-handler drops the message instead of redelivering it.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, workers int, bindings map[string]func([]byte)) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if workers < 1 {
		workers = 1
	}

	if err := declareExchange(c.ch, exchange); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte), len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	if err := c.ch.Qos(workers, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < workers; i++ {
		go func() {
			for d := range msgs {
				if err := d.Ack(false); err != nil {
					log.Printf("level=warn component=rabbitmq_consumer msg=\"ack failed\" routing_key=%s err=%v", d.RoutingKey, err)
				}
				handler, ok := handlers[d.RoutingKey]
				if !ok {
					log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropped\" routing_key=%s", d.RoutingKey)
					continue
				}
				handler(d.Body)
			}
		}()
	}

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type fakeDeclarer struct {
	declared []declaredQueue
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func TestDeclareTopology(t *testing.T) {
	f := &fakeDeclarer{}
	if err := DeclareTopology(f, "chat_turns"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if len(f.declared) != 3 {
		t.Fatalf("expected 3 queue declarations, got %d", len(f.declared))
	}

	byName := map[string]declaredQueue{}
	for _, d := range f.declared {
		if !d.durable {
			t.Fatalf("queue %s not durable", d.name)
		}
		byName[d.name] = d
	}

	main, ok := byName["chat_turns"]
	if !ok || main.args["x-dead-letter-routing-key"] != "chat_turns.dlq" {
		t.Fatalf("main queue must dead-letter to the dlq: %+v", byName)
	}
	retry, ok := byName["chat_turns.retry"]
	if !ok || retry.args["x-dead-letter-routing-key"] != "chat_turns" {
		t.Fatalf("retry queue must dead-letter back to main: %+v", byName)
	}
	dlq, ok := byName["chat_turns.dlq"]
	if !ok || len(dlq.args) != 0 {
		t.Fatalf("dlq must be a plain queue: %+v", byName)
	}
}

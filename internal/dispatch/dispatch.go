// Package dispatch implements the per-node command multiplexer from
// spec §4.3, grounded on modelrunner/dispatcher.py's Dispatcher class:
// two independent loops (a queue consumer and a channel subscriber)
// that decode commands and route them to a handler's dispatch table,
// plus a small built-in table for cooperative shutdown.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/modelrunner/modelrunner/internal/broker"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// Handler is anything with a dispatch table mapping command names to
// functions, mirroring the original's "command_handler must have a
// dispatch attribute" duck-typed contract.
type Handler interface {
	Dispatch() map[string]func(context.Context, broker.Command)
}

// Dispatcher runs one queue-consumer loop and one channel-subscriber
// loop for a single node, routing decoded commands to a Handler.
type Dispatcher struct {
	br      broker.Broker
	handler Handler

	queueName    string
	channelNames []string

	builtin map[string]func(context.Context, broker.Command)

	mu                     sync.Mutex
	keepProcessingQueue    bool
	keepProcessingChannels bool

	metrics Metrics
}

// Metrics is the subset of instrumentation dispatch emits per command
// processed, per SPEC_FULL.md's DOMAIN STACK table
// (dispatch_commands_total{command,result}). A nil Metrics is valid and
// disables instrumentation.
type Metrics interface {
	IncCommand(command, result string)
}

// New returns a Dispatcher consuming queueName and subscribed to
// channelNames, routing to handler.
func New(br broker.Broker, handler Handler, queueName string, channelNames []string, metrics Metrics) *Dispatcher {
	d := &Dispatcher{
		br:                     br,
		handler:                handler,
		queueName:              queueName,
		channelNames:           channelNames,
		keepProcessingQueue:    true,
		keepProcessingChannels: true,
		metrics:                metrics,
	}
	d.builtin = map[string]func(context.Context, broker.Command){
		"STOP_PROCESSING_QUEUE":    d.stopProcessingQueue,
		"STOP_PROCESSING_CHANNELS": d.stopProcessingChannels,
	}
	return d
}

// WaitForQueueCommands blocks, popping commands off the queue with a
// 1-second poll timeout so StopProcessingQueue can be honored without
// an external interrupt. It returns once StopProcessingQueue has fired
// or ctx is done.
func (d *Dispatcher) WaitForQueueCommands(ctx context.Context) {
	logger.Info("waiting for commands on queue", "queue", d.queueName)
	for d.queueRunning() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := d.br.Pop(ctx, d.queueName, time.Second)
		if err != nil {
			logger.Warn("queue pop failed", "queue", d.queueName, "error", err)
			continue
		}
		if cmd != nil {
			d.ProcessCommand(ctx, cmd)
		}
	}
}

// WaitForChannelCommands blocks, subscribing to this node's configured
// channels and dispatching every message received, until
// StopProcessingChannels fires or ctx is done.
func (d *Dispatcher) WaitForChannelCommands(ctx context.Context) {
	logger.Info("waiting for commands on channels", "channels", d.channelNames)

	ch, unsubscribe, err := d.br.Listen(ctx, d.channelNames...)
	if err != nil {
		logger.Error("failed to subscribe to channels", "channels", d.channelNames, "error", err)
		return
	}
	defer unsubscribe()

	for d.channelsRunning() {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-ch:
			if !ok {
				return
			}
			d.ProcessCommand(ctx, cmd)
		}
	}
}

// ProcessCommand is the main routing function: if the command name is
// in the handler's dispatch table, that function runs first; if it is
// also (or only) in the built-in table, that runs too. Both fire
// exactly once, in that order, when a name appears in both tables —
// this is what lets STOP_PROCESSING_CHANNELS work even when a handler
// overrides common verbs.
func (d *Dispatcher) ProcessCommand(ctx context.Context, cmd broker.Command) {
	name := cmd.Name()
	logger.Info("command received", "command", name)

	handlerFn, inHandler := d.handler.Dispatch()[name]
	builtinFn, inBuiltin := d.builtin[name]

	if !inHandler && !inBuiltin {
		logger.Warn("unknown command, dropping", "command", name)
		d.incMetric(name, "unknown")
		return
	}

	if inHandler {
		handlerFn(ctx, cmd)
	}
	if inBuiltin {
		builtinFn(ctx, cmd)
	}
	d.incMetric(name, "handled")
}

func (d *Dispatcher) incMetric(command, result string) {
	if d.metrics != nil {
		d.metrics.IncCommand(command, result)
	}
}

func (d *Dispatcher) stopProcessingQueue(context.Context, broker.Command) {
	d.mu.Lock()
	d.keepProcessingQueue = false
	d.mu.Unlock()
}

func (d *Dispatcher) stopProcessingChannels(context.Context, broker.Command) {
	d.mu.Lock()
	d.keepProcessingChannels = false
	d.mu.Unlock()
}

func (d *Dispatcher) queueRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keepProcessingQueue
}

func (d *Dispatcher) channelsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keepProcessingChannels
}

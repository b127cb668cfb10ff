// Package inproc implements the simulated in-process transport.
//
// Commands still cross a serialization boundary: every payload is msgpack
// encoded and decoded back to a generic value before delivery, so nodes never
// alias each other's structs and receivers decode the way they would off a
// wire. Individual calls can be dropped or delayed to exercise the
// missing-response paths of the election algorithms.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/ugorji/go/codec"

	"github.com/quorumlab/electorate/pkg/model"
)

var (
	// ErrDropped is returned when the simulated network loses a call.
	ErrDropped = errors.New("inproc: call dropped")
	// ErrUnknownNode is returned when no handler is registered for the target.
	ErrUnknownNode = errors.New("inproc: unknown node")
)

// Option configures a Bus.
type Option func(*Bus)

// WithDropRate sets the probability in [0,1] of losing any single call.
func WithDropRate(rate float64) Option {
	return func(b *Bus) { b.dropRate = rate }
}

// WithMaxDelay sets the upper bound of the random per-call delivery delay.
func WithMaxDelay(d time.Duration) Option {
	return func(b *Bus) { b.maxDelay = d }
}

// WithSeed seeds the fault-injection randomness for deterministic tests.
func WithSeed(seed int64) Option {
	return func(b *Bus) { b.rng = rand.New(rand.NewSource(seed)) }
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[int]model.CommandHandler),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With("component", "inproc bus"),
	}
	b.handle.RawToString = true
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bus routes commands between in-process nodes.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]model.CommandHandler

	rngMu sync.Mutex
	rng   *rand.Rand

	dropRate float64
	maxDelay time.Duration

	handle codec.MsgpackHandle
	logger *slog.Logger
}

// Register installs the command handler for a node id, replacing any
// previous handler.
func (b *Bus) Register(nodeID int, handler model.CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[nodeID] = handler
}

// Send delivers the command request to the node with the given id.
func (b *Bus) Send(ctx context.Context, nodeID int, request *model.Request, response *model.Response) error {
	b.mu.RLock()
	handler, ok := b.handlers[nodeID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}

	if err := b.injectFault(ctx, nodeID, request); err != nil {
		return err
	}

	wireRequest := &model.Request{CommandCode: request.CommandCode}
	if request.Command != nil {
		payload, err := b.roundTrip(request.Command)
		if err != nil {
			return fmt.Errorf("encode command %s: %w", request.CommandCode, err)
		}
		wireRequest.Command = payload
	}

	b.logger.Debug("deliver command", "command", request.CommandCode.String(), "to", nodeID)
	return handler(wireRequest, response)
}

// Decode decodes the raw data into the target object
func (b *Bus) Decode(raw any, target any) error {
	decodeHook := func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t.Kind() == reflect.String && f.Kind() == reflect.Slice {
			if bytes, ok := data.([]uint8); ok {
				return string(bytes), nil
			}
		}
		return data, nil
	}

	paramCheck := func(a any) bool {
		t := reflect.TypeOf(a)
		if t.Kind() == reflect.Ptr {
			return !reflect.ValueOf(a).IsNil()
		}

		return false
	}

	if !paramCheck(target) {
		return fmt.Errorf("wrong receiver for decode")
	}

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook: decodeHook,
		Result:     &target,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return err
	}

	return nil
}

// roundTrip pushes the payload through msgpack and back to a generic value,
// standing in for the wire.
func (b *Bus) roundTrip(command any) (any, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &b.handle).Encode(command); err != nil {
		return nil, err
	}
	var generic any
	if err := codec.NewDecoderBytes(buf, &b.handle).Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func (b *Bus) injectFault(ctx context.Context, nodeID int, request *model.Request) error {
	if b.dropRate <= 0 && b.maxDelay <= 0 {
		return nil
	}

	b.rngMu.Lock()
	drop := b.dropRate > 0 && b.rng.Float64() < b.dropRate
	var delay time.Duration
	if b.maxDelay > 0 {
		delay = time.Duration(b.rng.Int63n(int64(b.maxDelay)))
	}
	b.rngMu.Unlock()

	if drop {
		b.logger.Debug("drop command", "command", request.CommandCode.String(), "to", nodeID)
		return fmt.Errorf("%w: %s to node %d", ErrDropped, request.CommandCode, nodeID)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

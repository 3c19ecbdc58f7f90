// Package engine implements the protocol engine of §4.2: a single
// exchange primitive that frames a request, reads filtered responses under
// an armed deadline, and classifies failures into the protocol.Error
// taxonomy. It has no notion of sessions, chip identity, or streaming —
// that belongs to internal/session.
package engine

import (
	"context"
	"time"

	"romflash/internal/logging"
	"romflash/internal/port"
	"romflash/internal/protocol"
	"romflash/internal/slip"
)

// Engine drives request/response exchanges over a Port.
type Engine struct {
	Port          port.Port
	Log           logging.Sink
	StatusTailLen int // 2 or 4; see chiptab.Capabilities.StatusTailLen
}

// New returns an Engine with a 2-byte status tail (the ESP8266/ESP32
// default); callers set StatusTailLen directly once chip detection
// resolves a target with a 4-byte tail.
func New(p port.Port, log logging.Sink) *Engine {
	if log == nil {
		log = logging.Null{}
	}
	return &Engine{Port: p, Log: log, StatusTailLen: 2}
}

// Exchange sends req and waits for one matching response (filtered by
// direction==response && op==req.Command), returning it if it parses
// without a failed status. Frames that don't match are dropped silently —
// this absorbs stale replies from prior retries and target-initiated noise
// (§4.2). Only ExchangeSync waits for more than one reply.
func (e *Engine) Exchange(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return e.exchange(ctx, req, slip.Encode(req.Encode()), 1)
}

// ExchangeSync is the SYNC special case: the ROM emits up to 8 replies to
// one probe. Success is returned as soon as one valid reply parses, but
// the engine still drains the remaining replies (or waits out the
// deadline) before returning, so stale extra SYNC replies don't leak into
// the next exchange.
func (e *Engine) ExchangeSync(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return e.exchange(ctx, req, slip.Encode(req.Encode()), 8)
}

// ExchangeWithData frames req's header, req's sub-header Data, and the raw
// block as one SLIP frame without first concatenating them into an
// intermediate buffer — the "avoid copying" split §4.2 asks for. req must
// come from protocol.NewDataRequest(cmd, seq, raw) so its checksum and
// ExtraLen already account for raw.
func (e *Engine) ExchangeWithData(ctx context.Context, req *protocol.Request, raw []byte) (*protocol.Response, error) {
	frame := slip.EncodeParts(req.Header(), req.Data, raw)
	return e.exchange(ctx, req, frame, 1)
}

func (e *Engine) exchange(ctx context.Context, req *protocol.Request, frame []byte, expectedReplies int) (*protocol.Response, error) {
	if err := e.Port.Send(frame); err != nil {
		return nil, protocol.WrapError(protocol.CodeTimeout, err)
	}

	var result *protocol.Response
	var resultErr error

	for i := 0; i < expectedReplies; i++ {
		select {
		case <-ctx.Done():
			if result != nil {
				return result, resultErr
			}
			return nil, protocol.NewError(protocol.CodeTimeout, "no response to op 0x%02X", req.Command)
		default:
		}

		raw, err := e.Port.Receive(ctx)
		if err != nil {
			if result != nil {
				return result, resultErr
			}
			return nil, protocol.NewError(protocol.CodeTimeout, "no response to op 0x%02X", req.Command)
		}

		resp, err := protocol.DecodeResponseTail(raw, e.tailLen())
		if err != nil {
			// Malformed frame: drop and keep reading, same as an op
			// mismatch — it absorbs transport noise without failing the
			// whole exchange.
			continue
		}
		if resp.Command != req.Command {
			continue
		}

		if result == nil {
			if !resp.IsSuccess() {
				e.Log.Debugf("op 0x%02X failed: %s", req.Command, protocol.ErrorMessage(resp.Error))
				resultErr = protocol.ResponseError(req.Command, resp.Error)
			} else {
				result = resp
			}
		}

		if result != nil && expectedReplies == 1 {
			return result, nil
		}
	}

	if result != nil {
		return result, nil
	}
	if resultErr != nil {
		return nil, resultErr
	}
	return nil, protocol.NewError(protocol.CodeTimeout, "no matching response to op 0x%02X", req.Command)
}

func (e *Engine) tailLen() int {
	if e.StatusTailLen == 4 {
		return 4
	}
	return 2
}

// ArmDeadline is a small helper building the context.Context that
// represents the specification's "armed deadline": absolute, non-stacking
// (a fresh call replaces whatever deadline was previously in force).
func ArmDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

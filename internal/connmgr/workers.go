package connmgr

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// readChunkSize bounds one inbound read and therefore one DataReceived event.
const readChunkSize = 1024

// connectWorker performs one outbound dial.
type connectWorker struct {
	m       *Manager
	address string
	ctx     context.Context
	stop    context.CancelFunc
}

func newConnectWorker(m *Manager, address string) *connectWorker {
	ctx, stop := context.WithCancel(context.Background())
	return &connectWorker{m: m, address: address, ctx: ctx, stop: stop}
}

// cancel aborts a pending dial. After the hand-off it only releases the
// context.
func (w *connectWorker) cancel() { w.stop() }

func (w *connectWorker) run() {
	defer w.m.wg.Done()
	log := w.m.log.With(zap.String("address", w.address))

	if err := w.m.transport.CancelDiscovery(w.ctx); err != nil {
		log.Debug("connmgr: cancel discovery", zap.Error(err))
	}

	s, p, err := w.m.transport.Dial(w.ctx, w.address)
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		if w.ctx.Err() != nil {
			log.Debug("connmgr: dial canceled", zap.Error(err))
		} else {
			log.Warn("connmgr: dial failed", zap.Error(err))
		}
		w.m.failed(w, NoticeConnectFailed)
		return
	}
	if p.Address == "" {
		p.Address = w.address
	}
	w.m.connected(w, s, p)
}

// acceptWorker waits for one inbound connection.
type acceptWorker struct {
	m    *Manager
	ctx  context.Context
	stop context.CancelFunc
}

func newAcceptWorker(m *Manager) *acceptWorker {
	ctx, stop := context.WithCancel(context.Background())
	return &acceptWorker{m: m, ctx: ctx, stop: stop}
}

func (w *acceptWorker) cancel() { w.stop() }

func (w *acceptWorker) run() {
	defer w.m.wg.Done()

	s, p, err := w.m.transport.Accept(w.ctx)
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		if w.ctx.Err() != nil {
			w.m.log.Debug("connmgr: accept canceled", zap.Error(err))
		} else {
			w.m.log.Warn("connmgr: accept failed", zap.Error(err))
		}
		w.m.failed(w, NoticeAcceptFailed)
		return
	}
	w.m.connected(w, s, p)
}

// ioWorker owns the stream of one connected session.
type ioWorker struct {
	m      *Manager
	stream Stream
	peer   Peer

	// writeMu keeps frames from interleaving; Close does not take it.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newIOWorker(m *Manager, s Stream, p Peer) *ioWorker {
	return &ioWorker{m: m, stream: s, peer: p}
}

// cancel closes the stream, unblocking the read loop and any pending write.
func (w *ioWorker) cancel() {
	w.closeOnce.Do(func() {
		if err := w.stream.Close(); err != nil {
			w.m.log.Debug("connmgr: close stream", zap.String("address", w.peer.Address), zap.Error(err))
		}
	})
}

func (w *ioWorker) run() {
	defer w.m.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := w.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !w.m.received(w, chunk) {
				return
			}
		}
		if err != nil {
			w.m.log.Debug("connmgr: read ended", zap.String("address", w.peer.Address), zap.Error(err))
			w.m.failed(w, NoticeConnectionLost)
			return
		}
	}
}

// write sends p as one frame. Failures are logged and otherwise swallowed: no
// Notice, no state change. A dead link is reported by the read loop.
func (w *ioWorker) write(p []byte) {
	frame := EncodeFrame(p)

	w.writeMu.Lock()
	_, err := w.stream.Write(frame)
	w.writeMu.Unlock()

	if err != nil {
		w.m.log.Warn("connmgr: write failed", zap.String("address", w.peer.Address), zap.Int("len", len(p)), zap.Error(err))
		return
	}
	if len(p) > 0xff {
		w.m.log.Debug("connmgr: frame length truncated", zap.Int("len", len(p)), zap.Uint8("header", frame[0]))
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	w.m.sent(w, payload)
}

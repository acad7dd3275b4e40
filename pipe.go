// Copyright (c) 2016-2017 xtaci, adapted 2026.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package nanomux

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is the header/body split a send carries and a receive
// delivers. Header is the application-protocol's own header (opaque to
// the pipe engine, may be empty); Body is the payload.
type Message struct {
	Header []byte
	Body   []byte
}

func (m *Message) totalLen() int {
	if m == nil {
		return 0
	}
	return len(m.Header) + len(m.Body)
}

type negPhase uint8

const (
	negPhaseSend negPhase = iota
	negPhaseRecv
	negPhaseDone
)

// pipeNode links a Pipe into at most one of an Endpoint's three
// intrusive lists (negopipes, waitpipes, busypipes) at a time.
type pipeNode struct {
	prev, next *Pipe
	inList     *pipeList
}

type pipeList struct {
	head, tail *Pipe
	n          int
}

func (l *pipeList) pushBack(p *Pipe) {
	if p.node.inList != nil {
		panic("nanomux: pipe already on a list")
	}
	p.node.inList = l
	p.node.prev = l.tail
	p.node.next = nil
	if l.tail != nil {
		l.tail.node.next = p
	} else {
		l.head = p
	}
	l.tail = p
	l.n++
}

func (l *pipeList) remove(p *Pipe) bool {
	if p.node.inList != l {
		return false
	}
	if p.node.prev != nil {
		p.node.prev.node.next = p.node.next
	} else {
		l.head = p.node.next
	}
	if p.node.next != nil {
		p.node.next.node.prev = p.node.prev
	} else {
		l.tail = p.node.prev
	}
	p.node.prev, p.node.next, p.node.inList = nil, nil, nil
	l.n--
	return true
}

func (l *pipeList) empty() bool { return l.head == nil }
func (l *pipeList) len() int    { return l.n }

func (l *pipeList) each(fn func(*Pipe)) {
	for p := l.head; p != nil; {
		next := p.node.next
		fn(p)
		p = next
	}
}

// Pipe is one end of an established, handshaken connection (spec.md §3,
// §4.D). It owns a single Stream, runs the length-prefixed framer, and
// serializes concurrent user send/recv requests through its own sendq
// and recvq.
type Pipe struct {
	mu sync.Mutex

	stream Stream
	peer   uint16
	rcvmax int64

	closed bool
	reaped bool

	txaio  *AIO
	rxaio  *AIO
	negaio *AIO

	sendq aioList
	recvq aioList

	// receive-side framer state.
	rxHdr    [8]byte
	rxHdrGot int
	rxMsg    *Message
	rxBodyGot int64

	// transmit-side framer scratch.
	txHdr [8]byte

	// handshake state.
	negLocal [8]byte
	negPeer  [8]byte
	negGot   int
	negPhase negPhase
	negDone  func(peer uint16, err error)

	ep   *Endpoint
	node pipeNode

	errCount uint64

	logger Logger
}

const outputMessage = 0

func newPipe(stream Stream, ep *Endpoint, logger Logger) *Pipe {
	if logger == nil {
		logger = DefaultLogger()
	}
	p := &Pipe{stream: stream, ep: ep, logger: logger}
	p.txaio = NewAIO(p.onSendComplete)
	p.rxaio = NewAIO(p.onRecvComplete)
	p.negaio = NewAIO(p.onNegComplete)
	return p
}

// Peer returns the peer's protocol id, valid once the handshake done
// callback has fired successfully.
func (p *Pipe) Peer() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

// SetRecvMaxSize imprints the endpoint's receive ceiling on this pipe;
// called by Endpoint.match at the point the pipe is handed to the
// socket (spec.md §4.E.4).
func (p *Pipe) SetRecvMaxSize(n int64) {
	p.mu.Lock()
	p.rcvmax = n
	p.mu.Unlock()
}

func (p *Pipe) streamRef() Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *Pipe) RemoteAddr() net.Addr {
	if s := p.streamRef(); s != nil {
		return s.RemoteAddr()
	}
	return nil
}

// ---- handshake (spec.md §4.D.1) ----

// startHandshake begins the 8-byte SP header exchange, announcing proto
// as this side's socket protocol id. done is invoked exactly once, with
// either the negotiated peer protocol id or a classified error.
func (p *Pipe) startHandshake(proto uint16, done func(peer uint16, err error)) {
	p.mu.Lock()
	p.negDone = done
	p.negLocal = [8]byte{0, 'S', 'P', 0, byte(proto >> 8), byte(proto), 0, 0}
	p.negGot = 0
	p.negPhase = negPhaseSend
	p.mu.Unlock()

	p.negaio.SetTimeout(10 * time.Second)
	p.negStep()
}

func (p *Pipe) negStep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var iov []Iov
	switch p.negPhase {
	case negPhaseSend:
		iov = []Iov{{Buf: p.negLocal[p.negGot:]}}
	case negPhaseRecv:
		iov = []Iov{{Buf: p.negPeer[p.negGot:]}}
	default:
		p.mu.Unlock()
		return
	}
	phase := p.negPhase
	stream := p.stream
	p.mu.Unlock()

	if err := p.negaio.Begin(); err != nil {
		p.failHandshake(err)
		return
	}
	p.negaio.SetIov(iov)
	if phase == negPhaseSend {
		stream.Send(p.negaio)
	} else {
		stream.Recv(p.negaio)
	}
}

func (p *Pipe) onNegComplete(aio *AIO) {
	err, n := aio.Result()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			err = ErrConnectionShutdown
		}
		p.failHandshake(err)
		return
	}

	p.mu.Lock()
	phase := p.negPhase
	p.negGot += n
	got := p.negGot
	p.mu.Unlock()

	switch phase {
	case negPhaseSend:
		if got < 8 {
			p.negStep()
			return
		}
		p.mu.Lock()
		p.negGot = 0
		p.negPhase = negPhaseRecv
		p.mu.Unlock()
		p.negStep()
	case negPhaseRecv:
		if n == 0 {
			p.failHandshake(ErrConnectionShutdown)
			return
		}
		if got < 8 {
			p.negStep()
			return
		}
		p.mu.Lock()
		rec := p.negPeer
		p.negPhase = negPhaseDone
		p.mu.Unlock()
		if rec[0] != 0 || rec[1] != 'S' || rec[2] != 'P' || rec[3] != 0 || rec[6] != 0 || rec[7] != 0 {
			p.failHandshake(ErrProtocol)
			return
		}
		peer := uint16(rec[4])<<8 | uint16(rec[5])
		p.mu.Lock()
		p.peer = peer
		done := p.negDone
		p.negDone = nil
		p.mu.Unlock()
		if done != nil {
			done(peer, nil)
		}
	}
}

func (p *Pipe) failHandshake(err error) {
	p.mu.Lock()
	done := p.negDone
	p.negDone = nil
	p.mu.Unlock()
	p.logger.Warn("nanomux: handshake failed", "peer", p.RemoteAddr(), "err", err)
	p.Close()
	if done != nil {
		done(0, err)
	}
	p.reap()
}

// ---- send path (spec.md §4.D.2) ----

// Send enqueues aio with msg attached; aio completes when msg has been
// fully written to the stream (or on error/cancel).
func (p *Pipe) Send(aio *AIO, msg *Message) {
	if err := aio.Begin(); err != nil {
		return
	}
	aio.setOutput(outputMessage, msg)
	cancel := func(_ any, cerr error) { p.sendCancel(aio, cerr) }
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		aio.Finish(ErrClosed, 0)
		return
	}
	p.sendq.pushBack(aio)
	isHead := p.sendq.head == aio
	p.mu.Unlock()

	if isHead {
		p.sendStart()
	}
}

func (p *Pipe) sendCancel(aio *AIO, err error) {
	p.mu.Lock()
	if p.sendq.head == aio {
		p.mu.Unlock()
		p.txaio.Abort(err)
		return
	}
	removed := p.sendq.remove(aio)
	p.mu.Unlock()
	if removed {
		aio.Finish(err, 0)
	}
}

// sendStart arms the tx path for a fresh head of sendq.
func (p *Pipe) sendStart() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	head := p.sendq.head
	if head == nil {
		p.mu.Unlock()
		return
	}
	msg, _ := firstOutput(head).(*Message)
	total := uint64(msg.totalLen())
	binary.BigEndian.PutUint64(p.txHdr[:], total)
	iov := make([]Iov, 1, 3)
	iov[0] = Iov{Buf: p.txHdr[:]}
	if msg != nil && len(msg.Header) > 0 {
		iov = append(iov, Iov{Buf: msg.Header})
	}
	if msg != nil && len(msg.Body) > 0 {
		iov = append(iov, Iov{Buf: msg.Body})
	}
	stream := p.stream
	p.mu.Unlock()

	if err := p.txaio.Begin(); err != nil {
		return
	}
	p.txaio.SetIov(iov)
	stream.Send(p.txaio)
}

func (p *Pipe) onSendComplete(aio *AIO) {
	err, n := aio.Result()
	if err != nil {
		p.mu.Lock()
		head := p.sendq.popFront()
		p.mu.Unlock()
		atomic.AddUint64(&p.errCount, 1)
		if head != nil {
			head.Finish(err, 0)
		}
		// Do not re-arm: the protocol layer is expected to observe the
		// error and close the pipe, draining the rest of sendq itself.
		return
	}

	aio.IovAdvance(n)
	if aio.IovCount() > 0 {
		if berr := aio.Begin(); berr != nil {
			return
		}
		stream := p.streamRef()
		if stream != nil {
			stream.Send(aio)
		}
		return
	}

	p.mu.Lock()
	head := p.sendq.popFront()
	p.mu.Unlock()
	if head != nil {
		msg, _ := firstOutput(head).(*Message)
		head.Finish(nil, msg.totalLen())
	}
	p.sendStart()
}

// ---- recv path (spec.md §4.D.3) ----

func (p *Pipe) Recv(aio *AIO) {
	if err := aio.Begin(); err != nil {
		return
	}
	cancel := func(_ any, cerr error) { p.recvCancel(aio, cerr) }
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		aio.Finish(ErrClosed, 0)
		return
	}
	p.recvq.pushBack(aio)
	isHead := p.recvq.head == aio
	p.mu.Unlock()

	if isHead {
		p.recvStart()
	}
}

func (p *Pipe) recvCancel(aio *AIO, err error) {
	p.mu.Lock()
	if p.recvq.head == aio {
		p.mu.Unlock()
		p.rxaio.Abort(err)
		return
	}
	removed := p.recvq.remove(aio)
	p.mu.Unlock()
	if removed {
		aio.Finish(err, 0)
	}
}

func (p *Pipe) recvStart() {
	p.mu.Lock()
	if p.closed || p.recvq.empty() {
		p.mu.Unlock()
		return
	}
	var iov []Iov
	if p.rxMsg == nil {
		iov = []Iov{{Buf: p.rxHdr[p.rxHdrGot:]}}
	} else {
		iov = []Iov{{Buf: p.rxMsg.Body[p.rxBodyGot:]}}
	}
	stream := p.stream
	p.mu.Unlock()

	if err := p.rxaio.Begin(); err != nil {
		return
	}
	p.rxaio.SetIov(iov)
	stream.Recv(p.rxaio)
}

func (p *Pipe) midFrame() bool {
	return p.rxMsg != nil || p.rxHdrGot > 0
}

func (p *Pipe) onRecvComplete(aio *AIO) {
	err, n := aio.Result()
	if err != nil {
		p.mu.Lock()
		classified := err
		if errors.Is(err, ErrClosed) && p.midFrame() {
			classified = ErrProtocol
		}
		p.rxMsg = nil
		p.rxHdrGot = 0
		head := p.recvq.popFront()
		p.mu.Unlock()
		if head != nil {
			head.Finish(classified, 0)
		}
		return
	}

	p.mu.Lock()
	if p.rxMsg == nil {
		if n == 0 {
			wasMid := p.midFrame()
			p.mu.Unlock()
			if wasMid {
				p.recvFail(ErrProtocol)
			} else {
				p.recvFail(ErrClosed)
			}
			return
		}
		p.rxHdrGot += n
		if p.rxHdrGot < 8 {
			p.mu.Unlock()
			p.recvStart()
			return
		}
		length := int64(binary.BigEndian.Uint64(p.rxHdr[:]))
		rcvmax := p.rcvmax
		p.mu.Unlock()

		if rcvmax > 0 && length > rcvmax {
			p.logger.Warn("nanomux: message exceeds recv-max-size", "peer", p.RemoteAddr(), "length", length, "limit", rcvmax)
			p.recvFail(ErrMessageTooBig)
			return
		}

		if length == 0 {
			p.mu.Lock()
			p.rxHdrGot = 0
			head := p.recvq.popFront()
			p.mu.Unlock()
			if head != nil {
				head.setOutput(outputMessage, &Message{})
				head.Finish(nil, 0)
			}
			p.recvStart()
			return
		}

		p.mu.Lock()
		p.rxMsg = &Message{Body: make([]byte, length)}
		p.rxBodyGot = 0
		p.mu.Unlock()
		p.recvStart()
		return
	}

	// reading body
	if n == 0 {
		p.mu.Unlock()
		p.recvFail(ErrProtocol)
		return
	}
	p.rxBodyGot += int64(n)
	if p.rxBodyGot < int64(len(p.rxMsg.Body)) {
		p.mu.Unlock()
		p.recvStart()
		return
	}
	msg := p.rxMsg
	p.rxMsg = nil
	p.rxHdrGot = 0
	head := p.recvq.popFront()
	p.mu.Unlock()
	if head != nil {
		head.setOutput(outputMessage, msg)
		head.Finish(nil, len(msg.Body))
	}
	p.recvStart()
}

func (p *Pipe) recvFail(err error) {
	p.mu.Lock()
	p.rxMsg = nil
	p.rxHdrGot = 0
	head := p.recvq.popFront()
	p.mu.Unlock()
	if head != nil {
		head.Finish(err, 0)
	}
}

// ---- close / stop / reap (spec.md §4.D.4) ----

// Close idempotently closes the pipe's three AIOs and its stream. Any
// queued user AIOs (not just the in-flight head of sendq/recvq) are
// finished with ErrClosed here directly: sendStart/recvStart only ever
// advance past the head on a successful completion, so anything queued
// behind it would otherwise wait forever once the pipe stops making
// progress.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stream := p.stream

	var drained []*AIO
	for a := p.sendq.popFront(); a != nil; a = p.sendq.popFront() {
		drained = append(drained, a)
	}
	for a := p.recvq.popFront(); a != nil; a = p.recvq.popFront() {
		drained = append(drained, a)
	}
	p.mu.Unlock()

	for _, a := range drained {
		a.Finish(ErrClosed, 0)
	}

	p.negaio.Abort(ErrClosed)
	p.txaio.Abort(ErrClosed)
	p.rxaio.Abort(ErrClosed)
	if stream != nil {
		return stream.Close()
	}
	return nil
}

// Stop joins the three AIOs, blocking until any in-flight callback has
// drained.
func (p *Pipe) Stop() {
	p.negaio.waitIdle()
	p.txaio.waitIdle()
	p.rxaio.waitIdle()
}

// reap test-and-sets the reaped flag so the pipe is scheduled for
// deferred destruction at most once.
func (p *Pipe) reap() {
	p.mu.Lock()
	if p.reaped {
		p.mu.Unlock()
		return
	}
	p.reaped = true
	p.mu.Unlock()
	reapSchedule(p)
}

// fini implements Reapable; it runs on the reap worker, outside any
// callback stack of this pipe, so it may safely Stop AIOs whose
// callbacks might otherwise still be unwinding.
func (p *Pipe) fini() {
	p.Close()
	p.Stop()
	if p.ep != nil {
		p.ep.pipeDone(p)
	}
}

func firstOutput(aio *AIO) any {
	out := aio.Outputs()
	if len(out) == 0 {
		return nil
	}
	return out[0]
}

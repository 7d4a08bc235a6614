package memtable

import "fmt"

// requestKind identifies which operation an asyncRequest carries.
type requestKind int

const (
	reqInsert requestKind = iota
	reqGet
	reqRemove
	reqLen
	reqClear
	reqSizeBytes
	reqForceFlush
	reqShutdown
)

// asyncRequest carries one queued operation plus a single-shot reply
// channel.
type asyncRequest struct {
	kind  requestKind
	key   string
	value []byte
	dir   string
	bloom bool
	fpr   float64
	reply chan asyncReply
}

type asyncReply struct {
	err         error
	value       []byte
	found       bool
	isTombstone bool
	prior       []byte
	hadPrior    bool
	n           int
	size        uint64
	path        string
}

// Async wraps a Memtable with a single background worker goroutine that
// services a request queue, so every request, Get included, is
// processed one at a time by that one worker.
type Async struct {
	inner *Memtable
	ch    chan asyncRequest
	done  chan struct{}
}

// NewAsync starts the background worker and returns a handle to it.
func NewAsync(maxSizeBytes uint64, queueDepth int) *Async {
	a := &Async{
		inner: New(maxSizeBytes),
		ch:    make(chan asyncRequest, queueDepth),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for req := range a.ch {
		switch req.kind {
		case reqInsert:
			err := a.inner.Insert(req.key, req.value)
			req.reply <- asyncReply{err: err}
		case reqGet:
			v, found, tomb := a.inner.Get(req.key)
			req.reply <- asyncReply{value: v, found: found, isTombstone: tomb}
		case reqRemove:
			prior, had := a.inner.Remove(req.key)
			req.reply <- asyncReply{prior: prior, hadPrior: had}
		case reqLen:
			req.reply <- asyncReply{n: a.inner.Len()}
		case reqClear:
			a.inner.Clear()
			req.reply <- asyncReply{}
		case reqSizeBytes:
			req.reply <- asyncReply{size: a.inner.SizeBytes()}
		case reqForceFlush:
			path, err := a.inner.FlushToSSTable(req.dir, req.bloom, req.fpr)
			req.reply <- asyncReply{path: path, err: err}
		case reqShutdown:
			req.reply <- asyncReply{}
			return
		}
	}
}

func (a *Async) send(req asyncRequest) (asyncReply, error) {
	req.reply = make(chan asyncReply, 1)
	select {
	case a.ch <- req:
	case <-a.done:
		return asyncReply{}, fmt.Errorf("memtable: async worker shut down")
	}
	// The request may have landed in the queue buffer just as the worker
	// exited; wait on done as well so the caller never blocks forever on
	// a reply that will not come.
	select {
	case reply := <-req.reply:
		return reply, nil
	case <-a.done:
		return asyncReply{}, fmt.Errorf("memtable: async worker shut down")
	}
}

func (a *Async) Insert(key string, value []byte) error {
	reply, err := a.send(asyncRequest{kind: reqInsert, key: key, value: value})
	if err != nil {
		return err
	}
	return reply.err
}

func (a *Async) Get(key string) (value []byte, found bool, isTombstone bool, err error) {
	reply, err := a.send(asyncRequest{kind: reqGet, key: key})
	if err != nil {
		return nil, false, false, err
	}
	return reply.value, reply.found, reply.isTombstone, nil
}

func (a *Async) Remove(key string) (prior []byte, hadPrior bool, err error) {
	reply, err := a.send(asyncRequest{kind: reqRemove, key: key})
	if err != nil {
		return nil, false, err
	}
	return reply.prior, reply.hadPrior, nil
}

func (a *Async) Len() (int, error) {
	reply, err := a.send(asyncRequest{kind: reqLen})
	if err != nil {
		return 0, err
	}
	return reply.n, nil
}

func (a *Async) Clear() error {
	_, err := a.send(asyncRequest{kind: reqClear})
	return err
}

func (a *Async) SizeBytes() (uint64, error) {
	reply, err := a.send(asyncRequest{kind: reqSizeBytes})
	if err != nil {
		return 0, err
	}
	return reply.size, nil
}

func (a *Async) ForceCompaction(dir string, useBloom bool, fpr float64) (string, error) {
	reply, err := a.send(asyncRequest{kind: reqForceFlush, dir: dir, bloom: useBloom, fpr: fpr})
	if err != nil {
		return "", err
	}
	return reply.path, reply.err
}

// Shutdown drains in-flight requests and joins the worker goroutine.
// The queue channel is never closed: the worker exits by servicing the
// shutdown request itself, so a racing send can never panic.
func (a *Async) Shutdown() error {
	_, err := a.send(asyncRequest{kind: reqShutdown})
	if err != nil {
		return err
	}
	<-a.done
	return nil
}

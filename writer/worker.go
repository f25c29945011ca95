// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package writer

import (
	"sync"

	"github.com/outpostkv/outpost/compr"
	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/internal/store"
	"github.com/outpostkv/outpost/outpost"
)

// Worker drains one instr.Stream inside a single write transaction on
// a background goroutine, the Go counterpart of
// original_source/src/writer.cpp's WriteWorker. Every stream a caller
// hands it is built once (typically with instr.Builder) and run to
// completion: Worker commits as soon as it reaches the stream's
// trailing NO_INSTRUCTION_YET sentinel. The HandoffGate it shares with
// its Env parks it on a COMPRESSIBLE value the off-goroutine
// compressor hasn't finished yet, and an unbuffered acknowledgement
// channel pauses it at a strict-order USER_CALLBACK until the caller
// calls Acknowledge — but, unlike the original, a Worker does not keep a transaction open
// indefinitely waiting for a caller to append further instructions to
// the same buffer after a delimiter: nothing in this codebase's
// caller surface (instr.Builder, cmd/outpostctl) produces streams that
// grow after being submitted, so that half of the original protocol
// (HandoffAllowCommit/HandoffRestartingTxn as a reason to keep a
// worker's transaction open across batches) is modeled in
// HandoffGate's state enum for completeness but is not exercised by
// Worker.Run itself.
type Worker struct {
	storeEnv *store.Env
	comp     *compr.Compressor
	gate     *HandoffGate
	logger   outpost.Logger

	onCallback ProgressFunc
	ack        chan struct{}

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// ProgressFunc is invoked synchronously from the worker goroutine
// every time it reaches a USER_CALLBACK instruction. strictOrder
// reports whether the worker is now blocked awaiting Acknowledge.
type ProgressFunc func(strictOrder bool)

// NewWorker builds a Worker. logger may be nil.
func NewWorker(storeEnv *store.Env, comp *compr.Compressor, gate *HandoffGate, logger outpost.Logger) *Worker {
	return &Worker{
		storeEnv: storeEnv,
		comp:     comp,
		gate:     gate,
		logger:   logger,
		ack:      make(chan struct{}),
	}
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// Start runs stream on a background goroutine. onCallback, if
// non-nil, is invoked for every USER_CALLBACK instruction the worker
// reaches; the caller must call Acknowledge for each strict-order one
// or the worker deadlocks, exactly as a caller ignoring a strict
// write callback would stall the original implementation's worker
// thread.
func (w *Worker) Start(stream *instr.Stream, onCallback ProgressFunc) {
	w.onCallback = onCallback
	w.mu.Lock()
	w.done = make(chan struct{})
	w.mu.Unlock()
	go func() {
		err := w.Run(stream)
		w.mu.Lock()
		w.err = err
		close(w.done)
		w.mu.Unlock()
	}()
}

// Wait blocks until a Start'd run finishes and returns its error.
func (w *Worker) Wait() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run drains stream inside one write transaction, synchronously.
// Tests call this directly; Start is Run wrapped to run on a
// background goroutine.
//
// On completion it atomically ORs TxnCommitted or TxnHadError into
// the stream's head word (offset 0), mirroring writer.cpp's
// std::atomic_fetch_or((std::atomic<uint32_t>*) instructions, ...)
// calls in WriteWorker::Write: a concurrent observer polling the head
// word this way always sees a definitive outcome once Run returns,
// regardless of how it finished.
func (w *Worker) Run(stream *instr.Stream) error {
	tx, err := w.storeEnv.Begin(true)
	if err != nil {
		stream.FetchOrFlags(0, instr.TxnHadError)
		return err
	}
	cur := instr.NewCursor(stream)
	delimiter, rerr := run(tx, w.comp, w.gate, stream, cur, w)
	if rerr != nil {
		if aerr := tx.Rollback(); aerr != nil {
			w.logf("outpost: rollback after error failed: %v", aerr)
		}
		stream.FetchOrFlags(0, instr.TxnHadError)
		return rerr
	}
	if !delimiter {
		// Ran out of the for-loop without ever reaching
		// NO_INSTRUCTION_YET or a ProtocolError, which can only happen
		// on an empty or malformed stream; treat it the same as a
		// clean delimiter since there's nothing left to commit against.
		if aerr := tx.Rollback(); aerr != nil {
			stream.FetchOrFlags(0, instr.TxnHadError)
			return aerr
		}
		stream.FetchOrFlags(0, instr.TxnCommitted)
		return nil
	}
	if cerr := tx.Commit(); cerr != nil {
		stream.FetchOrFlags(0, instr.TxnHadError)
		return cerr
	}
	stream.FetchOrFlags(0, instr.TxnCommitted)
	return nil
}

// awaitMore implements progressSink. A Worker's streams are built
// once and never grow after submission (see the type doc), so there
// is never anything worth waiting for: the first NO_INSTRUCTION_YET
// word is always the end of the batch.
func (w *Worker) awaitMore(s *instr.Stream, wordOffset int) bool {
	return false
}

// userCallback implements progressSink.
func (w *Worker) userCallback(strictOrder bool) {
	if w.onCallback != nil {
		w.onCallback(strictOrder)
	}
	if strictOrder {
		<-w.ack
	}
}

// Acknowledge unblocks a worker parked on a strict-order
// USER_CALLBACK. Calling it when the worker isn't waiting on one
// blocks until it is.
func (w *Worker) Acknowledge() {
	w.ack <- struct{}{}
}

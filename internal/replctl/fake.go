package replctl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type commitJob struct {
	ctx    context.Context
	header ReplicationMessageHeader
	pbas   MultiBlkId
	result chan WriteResult
}

// FakeReplDev is an in-memory stand-in for the replication engine: a
// byte-slice "device" with a bump allocator, and a single goroutine that
// drains submitted writes in submission order and invokes the wired
// CommitHandler — mirroring the "commit callbacks delivered in log order"
// guarantee a real engine provides. It is meant for tests and the demo
// binary, not as a model of consensus or crash recovery.
type FakeReplDev struct {
	mu       sync.Mutex
	blkSize  uint64
	device   []byte
	nextBlk  BlkID
	leader   bool
	leaderID string
	ready    bool
	rejectNext error

	handler CommitHandler
	lsn     atomic.Uint64

	jobs chan commitJob
	done chan struct{}
	wg   sync.WaitGroup

	log *zap.Logger
}

// NewFakeReplDev returns a FakeReplDev with no CommitHandler wired yet —
// callers must call SetCommitHandler before submitting any writes, since
// the blob pipeline and its ReplDev are constructed in a cycle (the
// pipeline needs a ReplDev, the ReplDev needs the pipeline as its
// CommitHandler).
func NewFakeReplDev(blkSize uint64, leaderID string, log *zap.Logger) *FakeReplDev {
	if log == nil {
		log = zap.NewNop()
	}
	f := &FakeReplDev{
		blkSize:  blkSize,
		leader:   true,
		leaderID: leaderID,
		ready:    true,
		jobs:     make(chan commitJob, 64),
		done:     make(chan struct{}),
		log:      log,
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// SetCommitHandler wires the blob pipeline that will receive commit and
// rollback callbacks for records submitted from this point on.
func (f *FakeReplDev) SetCommitHandler(h CommitHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// SetLeader toggles the leadership flag reported by IsLeader.
func (f *FakeReplDev) SetLeader(leader bool, leaderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = leader
	f.leaderID = leaderID
}

// SetReady toggles the readiness flag reported by IsReadyForTraffic.
func (f *FakeReplDev) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// RejectNext arms a one-shot rollback: the next AsyncAllocWrite call will
// not be committed — instead OnBlobMessageRollback fires with err, and
// the returned WriteResult carries err.
func (f *FakeReplDev) RejectNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = err
}

func (f *FakeReplDev) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *FakeReplDev) LeaderID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderID
}

func (f *FakeReplDev) IsReadyForTraffic() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *FakeReplDev) BlkSize() uint64 { return f.blkSize }

// AsyncAllocWrite concatenates sgs, rounds up to a whole number of
// blocks, appends to the device buffer, and enqueues the commit for the
// background goroutine. For a DEL_BLOB record sgs is typically empty —
// no blocks are allocated and pbas is the zero value.
func (f *FakeReplDev) AsyncAllocWrite(ctx context.Context, header ReplicationMessageHeader, key []byte, sgs [][]byte, partOfBatch bool, traceID string) <-chan WriteResult {
	out := make(chan WriteResult, 1)

	f.mu.Lock()
	if f.rejectNext != nil {
		err := f.rejectNext
		f.rejectNext = nil
		handler := f.handler
		f.mu.Unlock()
		if handler != nil {
			handler.OnBlobMessageRollback(ctx, header, err)
		}
		out <- WriteResult{Err: err}
		close(out)
		return out
	}

	var pbas MultiBlkId
	total := 0
	for _, s := range sgs {
		total += len(s)
	}
	if total > 0 {
		nblks := (uint64(total) + f.blkSize - 1) / f.blkSize
		start := f.nextBlk
		f.nextBlk += BlkID(nblks)
		end := uint64(f.nextBlk) * f.blkSize
		if end > uint64(len(f.device)) {
			grown := make([]byte, end)
			copy(grown, f.device)
			f.device = grown
		}
		off := uint64(start) * f.blkSize
		for _, s := range sgs {
			copy(f.device[off:], s)
			off += uint64(len(s))
		}
		pbas = MultiBlkId{Ranges: []BlkRange{{StartBlk: start, NumBlks: uint32(nblks)}}}
	}
	f.mu.Unlock()

	f.jobs <- commitJob{ctx: ctx, header: header, pbas: pbas, result: out}
	return out
}

// AsyncRead copies size bytes starting at blkID's first range out of the
// device buffer. Real multi-range MultiBlkIds are read range by range;
// this fake only ever produces single-range allocations, matching its
// own writer.
func (f *FakeReplDev) AsyncRead(ctx context.Context, blkID MultiBlkId, size uint64) <-chan ReadResult {
	out := make(chan ReadResult, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(blkID.Ranges) == 0 {
		out <- ReadResult{Err: fmt.Errorf("replctl: read of empty block id")}
		close(out)
		return out
	}
	r := blkID.Ranges[0]
	off := uint64(r.StartBlk) * f.blkSize
	end := off + size
	if end > uint64(len(f.device)) {
		out <- ReadResult{Err: fmt.Errorf("replctl: read past end of device")}
		close(out)
		return out
	}
	buf := make([]byte, size)
	copy(buf, f.device[off:end])
	out <- ReadResult{Data: buf}
	close(out)
	return out
}

// AsyncFreeBlks is a bookkeeping no-op: the fake device never reclaims
// space, matching the spec's "failures here are tolerated, GC reclaims."
func (f *FakeReplDev) AsyncFreeBlks(ctx context.Context, lsn uint64, blkID MultiBlkId) <-chan error {
	out := make(chan error, 1)
	out <- nil
	close(out)
	return out
}

// CorruptByteAt XORs the byte at relOffset within blkID's first range,
// simulating on-device bit rot for tests of checksum validation.
func (f *FakeReplDev) CorruptByteAt(blkID MultiBlkId, relOffset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(blkID.Ranges) == 0 {
		return
	}
	off := uint64(blkID.Ranges[0].StartBlk)*f.blkSize + uint64(relOffset)
	f.device[off] ^= 0xFF
}

// Close stops the commit-delivery goroutine. Safe to call once.
func (f *FakeReplDev) Close() {
	close(f.done)
	f.wg.Wait()
}

func (f *FakeReplDev) run() {
	defer f.wg.Done()
	for {
		select {
		case job := <-f.jobs:
			f.deliver(job)
		case <-f.done:
			return
		}
	}
}

func (f *FakeReplDev) deliver(job commitJob) {
	lsn := f.lsn.Add(1)
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		job.result <- WriteResult{Pbas: job.pbas, LSN: lsn, Err: fmt.Errorf("replctl: no commit handler wired")}
		close(job.result)
		return
	}

	var err error
	switch job.header.MsgType {
	case MsgPutBlob:
		err = handler.OnBlobPutCommit(job.ctx, lsn, job.header, job.pbas)
	case MsgDelBlob:
		err = handler.OnBlobDelCommit(job.ctx, lsn, job.header)
	default:
		err = fmt.Errorf("replctl: unknown msg_type %v", job.header.MsgType)
	}
	job.result <- WriteResult{Pbas: job.pbas, LSN: lsn, Err: err}
	close(job.result)
}

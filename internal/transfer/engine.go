// Package transfer uploads files to the connected device with a
// stop-and-wait protocol: FileBegin, numbered FileChunks and a FileEnd
// carrying the CRC32, each held until the device acknowledges it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"

	"github.com/sheerbytes/gomerlink/internal/bufpool"
	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/internal/progress"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

const (
	DefaultAckTimeout = 500 * time.Millisecond
	DefaultMaxRetries = 3

	ackQueue = 16

	// resultWait bounds how long SessionClosed waits for an aborted job to
	// report its result.
	resultWait = 2 * time.Second
)

var errAckTimeout = errors.New("ack timeout")

// Link is the session write path.
type Link interface {
	SendFrame(ctx context.Context, kind protocol.Kind, payload []byte) error
	Connected() bool
}

// Policy controls chunking and retransmission. A job keeps the policy it
// was accepted with.
type Policy struct {
	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int
	// ChunkRate paces chunks per second; 0 sends as fast as acks return.
	ChunkRate int
}

func normalizePolicy(p Policy) Policy {
	out := p
	if out.ChunkSize <= 0 || out.ChunkSize > protocol.MaxMessageSize {
		out.ChunkSize = protocol.MaxMessageSize
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.ChunkRate < 0 {
		out.ChunkRate = 0
	}
	return out
}

func newPacer(rate int) ratelimit.Limiter {
	if rate <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(rate)
}

type job struct {
	id       string
	tag      uint16
	fileType FileType
	name     string
	file     *os.File
	size     int64
	chunks   uint32
	begin    []byte
	policy   Policy
	pacer    ratelimit.Limiter
	logger   *slog.Logger

	acks      chan protocol.FileAck
	abort     chan struct{}
	abortOnce sync.Once
	abortErr  error
	done      chan struct{}
	result    Result

	// delivered closes once the result reached the caller. reporting is set
	// while onResult runs.
	delivered chan struct{}
	reporting atomic.Bool
}

func (j *job) stop(reason error) {
	j.abortOnce.Do(func() {
		j.abortErr = fmt.Errorf("aborted: %w", reason)
		close(j.abort)
	})
}

// Engine runs at most one upload at a time. A second job while one is in
// flight is refused with CodeBusy, never queued.
type Engine struct {
	link   Link
	logger *slog.Logger
	meter  *progress.Meter
	chunks *bufpool.Pool

	busy atomic.Bool
	tags atomic.Uint32

	mu     sync.Mutex
	policy Policy
	pacer  ratelimit.Limiter
	state  State
	cur    *job
	// active is the newest accepted job until its result is delivered.
	active *job
}

func NewEngine(link Link, p Policy, logger *slog.Logger) *Engine {
	p = normalizePolicy(p)
	return &Engine{
		link:   link,
		logger: logging.Component(logger, "transfer"),
		meter:  progress.NewMeter(),
		chunks: bufpool.New(protocol.MaxMessageSize),
		policy: p,
		pacer:  newPacer(p.ChunkRate),
	}
}

// Reload replaces the policy for jobs accepted from now on.
func (e *Engine) Reload(p Policy) {
	p = normalizePolicy(p)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.pacer = newPacer(p.ChunkRate)
}

// State returns the current job state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns byte and chunk counts of the current or last job.
func (e *Engine) Progress() progress.Stats {
	return e.meter.Snapshot()
}

// SendBlocking uploads path on the calling goroutine and returns the
// terminal result. Cancelling ctx aborts the upload with CodeTransferError.
func (e *Engine) SendBlocking(ctx context.Context, fileType FileType, path string) Result {
	j, res := e.accept(fileType, path)
	if j == nil {
		return res
	}
	defer e.release(j)
	e.run(ctx, j)
	return j.result
}

// SendNonBlocking validates and accepts a job, then uploads it on its own
// goroutine. A refused job returns the refusal and onResult is never called;
// an accepted job calls onResult exactly once with its terminal result.
func (e *Engine) SendNonBlocking(fileType FileType, path string, onResult func(Result)) error {
	j, res := e.accept(fileType, path)
	if j == nil {
		return res.Err
	}
	go func() {
		defer e.release(j)
		e.run(context.Background(), j)
		if onResult != nil {
			j.reporting.Store(true)
			onResult(j.result)
		}
	}()
	return nil
}

func (e *Engine) release(j *job) {
	e.mu.Lock()
	if e.active == j {
		e.active = nil
	}
	e.mu.Unlock()
	close(j.delivered)
}

// Abort ends the job in flight, if any, with CodeTransferError.
func (e *Engine) Abort(reason error) {
	e.mu.Lock()
	j := e.cur
	e.mu.Unlock()
	if j != nil {
		j.stop(reason)
	}
}

// Close aborts the job in flight and waits for it to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	j := e.cur
	e.mu.Unlock()
	if j == nil {
		return
	}
	j.stop(status.ErrClosed)
	<-j.done
}

// SessionClosed aborts the job in flight whenever the session ends and
// waits, at most resultWait, until its result was handed to the caller.
// A result callback that is already running is not waited for, so it may
// itself disconnect.
func (e *Engine) SessionClosed(reason error, _ bool) {
	e.mu.Lock()
	j := e.active
	e.mu.Unlock()
	if j == nil {
		return
	}
	j.stop(reason)
	if j.reporting.Load() {
		return
	}
	select {
	case <-j.delivered:
	case <-time.After(resultWait):
		j.logger.Warn("aborted transfer did not report in time", "timeout", resultWait)
	}
}

// HandleFrame routes a FileAck to the job it belongs to. It never blocks
// the receive loop.
func (e *Engine) HandleFrame(f protocol.Frame) {
	if f.Kind != protocol.KindFileAck {
		return
	}
	ack, err := protocol.DecodeFileAck(f.Payload)
	if err != nil {
		metrics.ProtocolError("file_ack")
		e.logger.Debug("bad file ack", "err", err)
		return
	}
	e.mu.Lock()
	j := e.cur
	e.mu.Unlock()
	if j == nil || ack.Tag != j.tag {
		metrics.ProtocolError("stale_ack")
		return
	}
	select {
	case j.acks <- ack:
	default:
		e.logger.Warn("ack queue full, dropping", "job_id", j.id, "seq", ack.Seq)
	}
}

// accept validates type, path and file, then takes the busy lock. On
// refusal it returns a nil job and the refusal result.
func (e *Engine) accept(fileType FileType, path string) (*job, Result) {
	if !fileType.Valid() {
		return nil, rejected(fmt.Errorf("%w: %d", ErrFileTypeWrong, uint16(fileType)))
	}
	if strings.TrimSpace(path) == "" {
		return nil, rejected(fmt.Errorf("%w: empty path", ErrFilePathWrong))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, rejected(fmt.Errorf("%w: %w", ErrFilePathWrong, err))
	}
	if info.IsDir() {
		return nil, rejected(fmt.Errorf("%w: %s is a directory", ErrFilePathWrong, path))
	}
	if info.Size() == 0 {
		return nil, rejected(fmt.Errorf("%w: %s has no data", ErrFileNull, path))
	}

	e.mu.Lock()
	p, pacer := e.policy, e.pacer
	e.mu.Unlock()

	chunks := uint32((info.Size() + int64(p.ChunkSize) - 1) / int64(p.ChunkSize))
	tag := uint16(e.tags.Add(1))
	name := filepath.Base(path)
	begin, err := protocol.EncodeFileBegin(protocol.FileBegin{
		Tag:      tag,
		FileType: uint16(fileType),
		Size:     uint64(info.Size()),
		Chunks:   chunks,
		Name:     name,
	})
	if err != nil {
		return nil, rejected(fmt.Errorf("%w: %w", ErrFilePathWrong, err))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, rejected(fmt.Errorf("%w: %w", ErrFileNull, err))
	}
	if !e.busy.CompareAndSwap(false, true) {
		_ = file.Close()
		return nil, rejected(ErrBusy)
	}
	if !e.link.Connected() {
		e.busy.Store(false)
		_ = file.Close()
		return nil, rejected(fmt.Errorf("%w: %w", ErrTransfer, status.ErrNotConnected))
	}

	id := uuid.NewString()
	j := &job{
		id:       id,
		tag:      tag,
		fileType: fileType,
		name:     name,
		file:     file,
		size:     info.Size(),
		chunks:   chunks,
		begin:    begin,
		policy:   p,
		pacer:    pacer,
		logger:   e.logger.With("job_id", id, "file_type", fileType.String()),
		acks:     make(chan protocol.FileAck, ackQueue),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),

		delivered: make(chan struct{}),
	}
	e.mu.Lock()
	e.cur = j
	e.active = j
	e.state = StateBusy
	e.mu.Unlock()
	e.meter.Start(j.size, int(chunks))
	j.logger.Info("transfer accepted", "file", name, "bytes", j.size, "chunks", chunks)
	return j, Result{}
}

func (e *Engine) run(ctx context.Context, j *job) {
	defer close(j.done)
	start := time.Now()
	sent, chunks, err := e.upload(ctx, j)
	_ = j.file.Close()

	res := Result{JobID: j.id, Code: CodeOK, Bytes: sent, Chunks: chunks, Elapsed: time.Since(start)}
	if err != nil {
		res.Code = CodeTransferError
		res.Err = fmt.Errorf("%w: %s: %w", ErrTransfer, j.name, err)
	}
	e.finish(j, res)
}

func (e *Engine) finish(j *job, res Result) {
	e.mu.Lock()
	j.result = res
	e.state = StateDone
	if !res.OK() {
		e.state = StateError
	}
	e.cur = nil
	e.mu.Unlock()
	e.busy.Store(false)

	class := status.Classify(res.Err)
	metrics.TransferResult(res.Code.String(), string(class), res.Elapsed)
	if res.OK() {
		j.logger.Info("transfer done", "bytes", res.Bytes, "chunks", res.Chunks, "elapsed", res.Elapsed)
		return
	}
	j.logger.Error("transfer failed", "bytes", res.Bytes, "chunks", res.Chunks, "err_class", class, "err", res.Err)
}

func (e *Engine) upload(ctx context.Context, j *job) (int64, int, error) {
	if err := e.exchange(ctx, j, protocol.KindFileBegin, j.begin, 0); err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}

	buf := e.chunks.Get()
	defer e.chunks.Put(buf)
	crc := crc32.NewIEEE()
	var sent int64
	for i := uint32(1); i <= j.chunks; i++ {
		want := j.policy.ChunkSize
		if rest := j.size - sent; rest < int64(want) {
			want = int(rest)
		}
		n, err := io.ReadFull(j.file, buf[:want])
		if err != nil {
			return sent, int(i - 1), fmt.Errorf("read chunk %d: %w", i, err)
		}
		crc.Write(buf[:n])
		payload, err := protocol.EncodeFileChunk(protocol.FileChunk{Tag: j.tag, Index: i, Data: buf[:n]})
		if err != nil {
			return sent, int(i - 1), err
		}
		j.pacer.Take()
		if err := e.exchange(ctx, j, protocol.KindFileChunk, payload, i); err != nil {
			return sent, int(i - 1), fmt.Errorf("chunk %d: %w", i, err)
		}
		sent += int64(n)
		e.meter.Chunk(n)
		j.logger.Debug("chunk acked", "chunk", i, "bytes", n)
	}

	end := protocol.EncodeFileEnd(protocol.FileEnd{Tag: j.tag, CRC32: crc.Sum32()})
	if err := e.exchange(ctx, j, protocol.KindFileEnd, end, j.chunks+1); err != nil {
		return sent, int(j.chunks), fmt.Errorf("end: %w", err)
	}
	return sent, int(j.chunks), nil
}

// exchange sends one frame and waits for its ack, resending up to
// MaxRetries times on ack timeout or write failure.
func (e *Engine) exchange(ctx context.Context, j *job, kind protocol.Kind, payload []byte, seq uint32) error {
	attempts := j.policy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-j.abort:
			return j.abortErr
		default:
		}
		metrics.TransferFrame(attempt > 1)
		if err := e.link.SendFrame(ctx, kind, payload); err != nil {
			if errors.Is(err, status.ErrNotConnected) || ctx.Err() != nil {
				return err
			}
			j.logger.Warn("frame write failed", "kind", kind.String(), "chunk", seq, "attempt", attempt, "err", err)
		}
		err := awaitAck(ctx, j, seq)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errAckTimeout) {
			return err
		}
		if attempt < attempts {
			j.logger.Warn("no ack, resending", "kind", kind.String(), "chunk", seq, "attempt", attempt)
		}
	}
	return fmt.Errorf("%w: no ack for %s %d after %d attempts", status.ErrTimeout, kind, seq, attempts)
}

func awaitAck(ctx context.Context, j *job, seq uint32) error {
	timer := time.NewTimer(j.policy.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-j.acks:
			if ack.Seq != seq {
				continue
			}
			switch ack.Status {
			case protocol.AckOK:
				return nil
			case protocol.AckBusy:
				return ErrDeviceBusy
			default:
				return fmt.Errorf("%w: %s at %d", ErrRejected, ack.Status, seq)
			}
		case <-timer.C:
			return errAckTimeout
		case <-j.abort:
			return j.abortErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

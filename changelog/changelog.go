// Package changelog keeps an append-only log of committed tabkv changes.
//
// The log is a directory of segment files. A segment starts with a fixed
// header and holds records; each record carries its own xxhash checksum, so a
// torn write at the tail of the last segment is detected and trimmed when
// the log is reopened. Segments rotate once they reach MaxFileSize.
//
// File format:
//
//   - segment = header record*
//   - header = magic:64 version:8 pad:8 flags:16 segment:32 timestamp:32 pad:32 firstRecord:64 checksum:64
//   - record = size:uvarint tsDelta:uvarint data checksum:64
//
// Record data is a MsgPack-encoded tabkv.Change.
package changelog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/tabkv"
)

var (
	ErrCorrupted          = errors.New("corrupted change log segment")
	ErrUnsupportedVersion = errors.New("unsupported change log version")
	ErrClosed             = errors.New("change log closed")
)

type Options struct {
	FileName    string // e.g. "changes-*.log"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time

	// Sync fsyncs the segment after every published batch.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x474f4c474e414843 // "CHANGLOG" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 5 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	SegmentOrdinal uint32
	Timestamp      uint32
	_              uint32
	FirstRecord    uint64
	Checksum       uint64
}

const (
	timestampFmt    = "20060102T150405"
	maxRecHeaderLen = 2 * binary.MaxVarintLen64
	checksumLen     = 8
)

// Record is one entry read back from the log.
type Record struct {
	Seq  uint64
	Time time.Time
	Data []byte
}

// Log is an append-only change log. It implements tabkv.ChangeSink.
type Log struct {
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	maxFileSize    int64
	now            func() time.Time
	logger         *slog.Logger
	sync           bool
	verbose        bool

	mu      sync.Mutex
	err     error
	closed  bool
	lastSeg uint32
	nextRec uint64
	w       *segmentWriter
}

var _ tabkv.ChangeSink = (*Log)(nil)

// Open opens or creates the log in dir. A corrupted tail of the last segment
// is truncated; new records are appended after the last valid one.
func Open(dir string, o Options) (*Log, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "changelog"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	l := &Log{
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		maxFileSize:    o.MaxFileSize,
		now:            o.Now,
		logger:         o.Logger,
		sync:           o.Sync,
		verbose:        o.Verbose,
		nextRec:        1,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("%s: %w", l.debugName, err)
	}
	return l, nil
}

func (l *Log) String() string {
	return l.debugName
}

func (l *Log) timestamp() uint32 {
	v := l.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

type segmentFile struct {
	name  string
	seq   uint32
	first uint64
}

func (l *Log) segments() ([]segmentFile, error) {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var result []segmentFile
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		seq, _, first, err := parseSegmentName(l.fileNamePrefix, l.fileNameSuffix, name)
		if err != nil {
			continue
		}
		result = append(result, segmentFile{name, seq, first})
	}
	slices.SortFunc(result, func(a, b segmentFile) int {
		return int(a.seq) - int(b.seq)
	})
	return result, nil
}

func (l *Log) recover() error {
	for {
		segs, err := l.segments()
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		last := segs[len(segs)-1]
		fn := filepath.Join(l.dir, last.name)
		data, err := os.ReadFile(fn)
		if err != nil {
			return err
		}
		scan, err := scanSegment(data, last.seq, nil)
		if errors.Is(err, errCorruptedHeader) {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn, "changelog: deleting corrupted file", slog.String("log", l.debugName), slog.String("file", last.name), slog.Int("size", len(data)))
			if err := os.Remove(fn); err != nil {
				return fmt.Errorf("failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}

		l.lastSeg = last.seq
		l.nextRec = scan.first + uint64(scan.count)
		if scan.validSize < int64(len(data)) {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn, "changelog: trimming corrupted tail", slog.String("log", l.debugName), slog.String("file", last.name), slog.Int64("valid", scan.validSize), slog.Int("size", len(data)))
			if err := os.Truncate(fn, scan.validSize); err != nil {
				return err
			}
		}
		if scan.validSize < l.maxFileSize {
			f, err := os.OpenFile(fn, os.O_WRONLY|os.O_APPEND, 0o666)
			if err != nil {
				return err
			}
			l.w = &segmentWriter{f: f, seg: last.seq, ts: scan.lastTS, size: scan.validSize}
		}
		return nil
	}
}

// PublishChanges appends one record per change.
func (l *Log) PublishChanges(ctx context.Context, changes []tabkv.Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.err != nil {
		return l.err
	}
	ts := l.timestamp()
	for i := range changes {
		data, err := msgpack.Marshal(&changes[i])
		if err != nil {
			return fmt.Errorf("%s: encoding change: %w", l.debugName, err)
		}
		if err := l.writeRecord_locked(ts, data); err != nil {
			return l.fail(err)
		}
		if l.verbose {
			l.logger.LogAttrs(ctx, slog.LevelDebug, "changelog: append", slog.String("log", l.debugName), slog.Uint64("seq", l.nextRec-1), slog.String("op", changes[i].Op.String()), slog.Int("size", len(data)))
		}
	}
	if l.sync && l.w != nil {
		if err := l.w.f.Sync(); err != nil {
			return l.fail(err)
		}
	}
	return nil
}

// WriteRecord appends a raw record. Data must be non-empty.
func (l *Log) WriteRecord(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.err != nil {
		return l.err
	}
	return l.fail(l.writeRecord_locked(l.timestamp(), data))
}

func (l *Log) writeRecord_locked(ts uint32, data []byte) error {
	if l.w != nil && l.w.size >= l.maxFileSize {
		l.w.close()
		l.w = nil
	}
	if l.w == nil {
		sw, err := l.startSegment(l.lastSeg+1, ts, l.nextRec)
		if err != nil {
			return err
		}
		l.lastSeg++
		l.w = sw
	}
	if err := l.w.writeRecord(ts, data); err != nil {
		return err
	}
	l.nextRec++
	return nil
}

func (l *Log) fail(err error) error {
	if err == nil {
		return nil
	}
	l.logger.LogAttrs(context.Background(), slog.LevelError, "changelog: failed", slog.String("log", l.debugName), slog.Any("err", err))
	if l.w != nil {
		l.w.close()
		l.w = nil
	}
	if l.err == nil {
		l.err = err
	}
	return err
}

// Close closes the current segment. Further writes fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.w == nil {
		return nil
	}
	err := l.w.close()
	l.w = nil
	return err
}

// Replay calls fn for every valid record in order. A corrupted tail of the
// last segment ends the replay; corruption anywhere else fails it with
// ErrCorrupted.
func (l *Log) Replay(ctx context.Context, fn func(rec Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	segs, err := l.segments()
	if err != nil {
		return err
	}
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(l.dir, seg.name))
		if err != nil {
			return err
		}
		scan, err := scanSegment(data, seg.seq, fn)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", l.debugName, seg.name, err)
		}
		if scan.validSize < int64(len(data)) && i < len(segs)-1 {
			return fmt.Errorf("%s: %s: %w at offset %d", l.debugName, seg.name, ErrCorrupted, scan.validSize)
		}
	}
	return nil
}

// ReplayChanges decodes every record as a tabkv.Change.
func (l *Log) ReplayChanges(ctx context.Context, fn func(seq uint64, chg tabkv.Change) error) error {
	return l.Replay(ctx, func(rec Record) error {
		var chg tabkv.Change
		if err := msgpack.Unmarshal(rec.Data, &chg); err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		return fn(rec.Seq, chg)
	})
}

// Apply replays the whole log into db. db should have no sinks pointing back
// at this log.
func (l *Log) Apply(ctx context.Context, db *tabkv.DB) (int, error) {
	var n int
	err := l.ReplayChanges(ctx, func(seq uint64, chg tabkv.Change) error {
		if err := db.Apply(ctx, chg); err != nil {
			return fmt.Errorf("applying record %d: %w", seq, err)
		}
		n++
		return nil
	})
	return n, err
}

var errCorruptedHeader = fmt.Errorf("%w: bad header", ErrCorrupted)

type segmentScan struct {
	first     uint64
	count     int
	lastTS    uint32
	validSize int64
}

// scanSegment walks the records of one segment. It stops at the first
// corrupted record, reporting the offset where valid data ends.
func scanSegment(data []byte, expectedSeq uint32, fn func(rec Record) error) (segmentScan, error) {
	if len(data) < segmentHeaderSize {
		return segmentScan{}, errCorruptedHeader
	}
	var h segmentHeader
	if _, err := binary.Decode(data[:segmentHeaderSize], binary.LittleEndian, &h); err != nil {
		return segmentScan{}, errCorruptedHeader
	}
	if h.Magic != magic || h.SegmentOrdinal != expectedSeq || xxhash.Sum64(data[:segmentHeaderSize-checksumLen]) != h.Checksum {
		return segmentScan{}, errCorruptedHeader
	}
	if h.Version > version0 {
		return segmentScan{}, ErrUnsupportedVersion
	}

	scan := segmentScan{first: h.FirstRecord, lastTS: h.Timestamp, validSize: segmentHeaderSize}
	off := segmentHeaderSize
	for off < len(data) {
		size, n1 := binary.Uvarint(data[off:])
		if n1 <= 0 {
			break
		}
		tsDelta, n2 := binary.Uvarint(data[off+n1:])
		if n2 <= 0 {
			break
		}
		start := off + n1 + n2
		if size == 0 || size > uint64(len(data)-start) || len(data)-start-int(size) < checksumLen {
			break
		}
		end := start + int(size)
		sum := binary.LittleEndian.Uint64(data[end:])
		if xxhash.Sum64(data[off:end]) != sum {
			break
		}
		ts := scan.lastTS + uint32(tsDelta)
		if fn != nil {
			rec := Record{
				Seq:  scan.first + uint64(scan.count),
				Time: time.Unix(int64(ts), 0).UTC(),
				Data: bytes.Clone(data[start:end]),
			}
			if err := fn(rec); err != nil {
				return scan, err
			}
		}
		scan.count++
		scan.lastTS = ts
		off = end + checksumLen
		scan.validSize = int64(off)
	}
	return scan, nil
}

type segmentWriter struct {
	f    *os.File
	seg  uint32
	ts   uint32
	size int64
	buf  []byte
}

func (l *Log) startSegment(seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(l.fileNamePrefix, l.fileNameSuffix, seg, ts, rec)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], seg, ts, rec)
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}
	if l.verbose {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "changelog: new segment", slog.String("log", l.debugName), slog.String("file", name))
	}

	ok = true
	return &segmentWriter{f: f, seg: seg, ts: ts, size: segmentHeaderSize}, nil
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	b := appendRecordHeader(sw.buf[:0], len(data), tsDelta)
	b = append(b, data...)
	b = binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
	sw.buf = b

	n, err := sw.f.Write(b)
	sw.size += int64(n)
	return err
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, seg, ts uint32, first uint64) {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		FirstRecord:    first,
	}
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-checksumLen:], xxhash.Sum64(buf[:segmentHeaderSize-checksumLen]))
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size))
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, first uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), first, suffix)
}

func parseSegmentName(prefix, suffix, name string) (seq, ts uint32, first uint64, err error) {
	rest, ok := strings.CutPrefix(name, prefix)
	if ok {
		rest, ok = strings.CutSuffix(rest, suffix)
	}
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	seqStr, rem, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	first, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}

// Package timeslice records how long hypervisor paths take, tagged by the
// physical CPU they ran on, into a compact binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x53545648 // "HVTS"
	Version uint32 = 1
)

// NoPCPU tags a record that is not tied to a physical CPU.
const NoPCPU = -1

var (
	ErrAlreadyRecording = errors.New("timeslice: already recording")
	ErrBadTrace         = errors.New("timeslice: bad trace")
)

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	// SliceFlagGuest marks time spent running guest code.
	SliceFlagGuest SliceFlags = 1 << iota
	// SliceFlagSwitch marks a world switch.
	SliceFlagSwitch
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuest != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagSwitch != 0 {
		flags = append(flags, "switch")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = []SliceInfo{{Name: "invalid"}}
)

// RegisterKind adds a record kind. Call it from package-level var
// initializers; kinds registered after StartRecording are not in the trace
// header.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds = append(kinds, SliceInfo{Name: name, Flags: flags})
	return TimesliceID(len(kinds) - 1)
}

// Kinds returns the registered kinds indexed by id.
func Kinds() []SliceInfo {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	return append([]SliceInfo(nil), kinds...)
}

// record is the on-disk entry, little endian.
type record struct {
	ID       uint32
	PCPU     int32
	Duration int64
}

const recordSize = 16

type recorder struct {
	w *bufio.Writer

	// mu guards closing records against concurrent sends.
	mu      sync.RWMutex
	closed  bool
	records chan record
	done    chan error
	dropped atomic.Uint64
}

var current atomic.Pointer[recorder]

func (r *recorder) run() {
	var buf [recordSize]byte
	var err error
	for rec := range r.records {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:], rec.ID)
		binary.LittleEndian.PutUint32(buf[4:], uint32(rec.PCPU))
		binary.LittleEndian.PutUint64(buf[8:], uint64(rec.Duration))
		_, err = r.w.Write(buf[:])
	}
	if err == nil {
		err = r.w.Flush()
	}
	r.done <- err
}

// Close stops recording and flushes the trace. It does not close the
// underlying writer.
func (r *recorder) Close() error {
	if !current.CompareAndSwap(r, nil) {
		return fmt.Errorf("timeslice: recorder already closed")
	}
	r.mu.Lock()
	r.closed = true
	close(r.records)
	r.mu.Unlock()

	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write trace: %w", err)
	}
	if n := r.dropped.Load(); n > 0 {
		return fmt.Errorf("timeslice: dropped %d records", n)
	}
	return nil
}

// Record logs one slice with no physical CPU tag.
func Record(id TimesliceID, d time.Duration) {
	RecordOn(id, NoPCPU, d)
}

// RecordOn logs one slice that ran on pcpu. It never blocks: when the
// writer falls behind the record is dropped and Close reports it.
func RecordOn(id TimesliceID, pcpu int, d time.Duration) {
	r := current.Load()
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.records <- record{ID: uint32(id), PCPU: int32(pcpu), Duration: d.Nanoseconds()}:
	default:
		r.dropped.Add(1)
	}
}

// Recorder measures consecutive slices on one goroutine.
type Recorder struct {
	pcpu int
	last time.Time
}

func NewRecorder(pcpu int) *Recorder {
	return &Recorder{pcpu: pcpu, last: time.Now()}
}

// Record logs the time since the previous Record (or NewRecorder) as id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	RecordOn(id, r.pcpu, now.Sub(r.last))
	r.last = now
}

// StartRecording writes the trace header to w and starts capturing records
// until the returned Closer is closed.
//
// Header: magic, version, kind count, then per kind a uint32 flags, a
// uint16 name length and the name.
func StartRecording(w io.Writer) (io.Closer, error) {
	bw := bufio.NewWriterSize(w, 64*1024)

	ks := Kinds()
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(ks)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	for _, k := range ks {
		var kh [6]byte
		binary.LittleEndian.PutUint32(kh[0:], uint32(k.Flags))
		binary.LittleEndian.PutUint16(kh[4:], uint16(len(k.Name)))
		if _, err := bw.Write(kh[:]); err != nil {
			return nil, fmt.Errorf("timeslice: write kinds: %w", err)
		}
		if _, err := bw.WriteString(k.Name); err != nil {
			return nil, fmt.Errorf("timeslice: write kinds: %w", err)
		}
	}

	r := &recorder{
		w:       bw,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, r) {
		return nil, ErrAlreadyRecording
	}
	go r.run()
	return r, nil
}

// Entry is one decoded record.
type Entry struct {
	Kind     string
	Flags    SliceFlags
	PCPU     int
	Duration time.Duration
}

// ReadAllRecords decodes a trace and calls fn for every record in order.
func ReadAllRecords(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		return fmt.Errorf("%w: invalid magic", ErrBadTrace)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrBadTrace, v)
	}

	n := binary.LittleEndian.Uint32(hdr[8:])
	ks := make([]SliceInfo, 0, n)
	for range n {
		var kh [6]byte
		if _, err := io.ReadFull(br, kh[:]); err != nil {
			return fmt.Errorf("timeslice: read kinds: %w", err)
		}
		name := make([]byte, binary.LittleEndian.Uint16(kh[4:]))
		if _, err := io.ReadFull(br, name); err != nil {
			return fmt.Errorf("timeslice: read kinds: %w", err)
		}
		ks = append(ks, SliceInfo{Name: string(name), Flags: SliceFlags(binary.LittleEndian.Uint32(kh[0:]))})
	}

	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := binary.LittleEndian.Uint32(buf[0:])
		if id == uint32(InvalidTimesliceID) || int(id) >= len(ks) {
			return fmt.Errorf("%w: unknown kind %d", ErrBadTrace, id)
		}
		if err := fn(Entry{
			Kind:     ks[id].Name,
			Flags:    ks[id].Flags,
			PCPU:     int(int32(binary.LittleEndian.Uint32(buf[4:]))),
			Duration: time.Duration(binary.LittleEndian.Uint64(buf[8:])),
		}); err != nil {
			return err
		}
	}
}

// Summary aggregates the records of one kind.
type Summary struct {
	Kind  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a trace and returns per-kind totals, largest total first.
func Summarize(r io.Reader) ([]Summary, error) {
	byKind := make(map[string]*Summary)
	if err := ReadAllRecords(r, func(e Entry) error {
		s, ok := byKind[e.Kind]
		if !ok {
			s = &Summary{Kind: e.Kind, Flags: e.Flags}
			byKind[e.Kind] = s
		}
		s.Count++
		s.Total += e.Duration
		s.Max = max(s.Max, e.Duration)
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byKind))
	for _, s := range byKind {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

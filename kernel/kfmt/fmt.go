// Package kfmt provides the post-heap counterpart to kfmt/early: a small
// Printf implementation that can address any io.Writer instead of being
// wired to a single hardwired terminal. It targets the same verb subset as
// kfmt/early (%s, %d, %o, %x, %t, with an optional decimal width prefix).
// Like kfmt/early it does not allocate: it formats into fixed package-level
// buffers, and output emitted before SetOutputSink is called, heap or no
// heap, is held in a fixed-size ring buffer.
package kfmt

import (
	"io"
	"unsafe"
)

const maxNumBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf  [maxNumBufSize]byte
	singleByte = []byte{0}

	// earlyBuf captures Printf output emitted before SetOutputSink is
	// called, so nothing written during the mmu/task init sequence is
	// lost if a caller logs through kfmt.Printf slightly before the real
	// terminal sink is attached.
	earlyBuf ringBuffer

	// outputSink is where Printf sends its output. A nil sink redirects
	// to earlyBuf.
	outputSink io.Writer
)

// SetOutputSink directs future Printf output to w and flushes anything
// buffered in earlyBuf to it first, preserving output ordering.
//
// This does not use io.Copy: its generic path allocates its scratch buffer
// with make(), which needs the Go runtime's own allocator rather than this
// kernel's Kmalloc-backed heap — exactly the allocation this package exists
// to avoid before a sink is available. A fixed-size on-stack array plays
// the same role without involving that allocator.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	var chunk [256]byte
	for {
		n, err := earlyBuf.Read(chunk[:])
		if n > 0 {
			w.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// Printf formats according to the verb subset documented on the package and
// writes the result to the currently configured output sink (hal.ActiveTerminal
// once SetOutputSink has been called during boot, an internal ring buffer
// before that).
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w instead of the package's
// configured output sink. A nil w redirects to the early ring buffer, the
// same fallback Printf uses.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			for i := blockStart; i < blockEnd; i++ {
				singleByte[0] = format[i]
				doWrite(w, singleByte)
			}
		}

		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(w, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				case 't':
					fmtBool(w, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			doWrite(w, errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		for i := blockStart; i < blockEnd; i++ {
			singleByte[0] = format[i]
			doWrite(w, singleByte)
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// fmtInt prints v (any built-in integer type) in the given base, left-padded
// to padLen. It uses the same digit-accumulate-then-reverse itoa loop as
// kfmt/early's fmtInt, with two differences: base-16 output carries no "0x"
// prefix, and padLen is capped to fit numFmtBuf.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		padCh            byte
		left, right, end int
	)

	if padLen >= maxNumBufSize {
		padLen = maxNumBufSize - 1
	}

	switch base {
	case 8:
		divider, padCh = 8, '0'
	case 10:
		divider, padCh = 10, ' '
	case 16:
		divider, padCh = 16, '0'
	}

	switch tv := v.(type) {
	case uint8:
		uval = uint64(tv)
	case uint16:
		uval = uint64(tv)
	case uint32:
		uval = uint64(tv)
	case uint64:
		uval = tv
	case uintptr:
		uval = uint64(tv)
	case int8:
		sval = int64(tv)
	case int16:
		sval = int64(tv)
	case int32:
		sval = int64(tv)
	case int64:
		sval = tv
	case int:
		sval = int64(tv)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxNumBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}
		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}
		numFmtBuf[end+1] = '-'
	}

	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:end])
}

// doWrite routes p to w, or to the early ring buffer when w is nil. The
// noEscape indirection keeps the escape analyzer from deciding p escapes
// through the not-yet-known io.Writer and inserting a runtime.convT2E call,
// which would allocate and crash the kernel if Fprintf runs before the heap
// is up (as it can, via the ring-buffer fallback path).
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuf.Write(p)
	}
}

//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

package h1

import "net/http"

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailerStart
	chunkTrailer
	chunkTrailerLF
	chunkEndLF
	chunkDone
)

// maxTrailerBytes bounds the trailer section; trailers are discarded.
const maxTrailerBytes = 8 << 10

// chunkDecoder is a resumable decoder for the chunked transfer coding. It
// keeps all of its position in fields so input may be split anywhere.
type chunkDecoder struct {
	state   chunkState
	size    int64
	digits  int
	trailer int
}

func (d *chunkDecoder) reset() { *d = chunkDecoder{} }

func (d *chunkDecoder) done() bool { return d.state == chunkDone }

// decode consumes src and appends the decoded payload to dst. It returns the
// grown dst and how many bytes of src belong to the chunked body; anything
// after the final CRLF is left unconsumed. dst may share src's backing array
// as long as it ends at or before src starts: output never overtakes input.
// A positive limit bounds len(dst).
func (d *chunkDecoder) decode(dst, src []byte, limit int64) ([]byte, int, error) {
	i := 0
	for i < len(src) {
		c := src[i]
		switch d.state {
		case chunkSize:
			switch v := unhex(c); {
			case v >= 0:
				if d.digits == 15 {
					return dst, i, errChunk
				}
				d.size = d.size<<4 | int64(v)
				d.digits++
			case d.digits == 0:
				return dst, i, errChunk
			case c == '\r':
				d.state = chunkSizeLF
			case c == ';' || c == ' ' || c == '\t':
				d.state = chunkExt
			default:
				return dst, i, errChunk
			}
			i++

		case chunkExt:
			if c == '\n' {
				return dst, i, errChunk
			}
			if c == '\r' {
				d.state = chunkSizeLF
			}
			i++

		case chunkSizeLF:
			if c != '\n' {
				return dst, i, errChunk
			}
			i++
			if d.size == 0 {
				d.state = chunkTrailerStart
			} else {
				d.state = chunkData
			}

		case chunkData:
			n := len(src) - i
			if int64(n) > d.size {
				n = int(d.size)
			}
			if limit > 0 && int64(len(dst)+n) > limit {
				return dst, i, errBodyTooLarge
			}
			dst = append(dst, src[i:i+n]...)
			i += n
			d.size -= int64(n)
			if d.size == 0 {
				d.state = chunkDataCR
			}

		case chunkDataCR:
			if c != '\r' {
				return dst, i, errChunk
			}
			d.state = chunkDataLF
			i++

		case chunkDataLF:
			if c != '\n' {
				return dst, i, errChunk
			}
			d.state = chunkSize
			d.digits = 0
			i++

		case chunkTrailerStart:
			if c == '\r' {
				d.state = chunkEndLF
			} else {
				d.state = chunkTrailer
			}
			d.trailer++
			i++

		case chunkTrailer:
			if c == '\r' {
				d.state = chunkTrailerLF
			}
			d.trailer++
			i++

		case chunkTrailerLF:
			if c != '\n' {
				return dst, i, errChunk
			}
			d.state = chunkTrailerStart
			d.trailer++
			i++

		case chunkEndLF:
			if c != '\n' {
				return dst, i, errChunk
			}
			d.state = chunkDone
			return dst, i + 1, nil

		case chunkDone:
			return dst, i, nil
		}

		if d.trailer > maxTrailerBytes {
			return dst, i, errChunk
		}
	}
	return dst, i, nil
}

var (
	errChunk        = NewHTTPError(http.StatusBadRequest, ErrMalformedChunk)
	errBodyTooLarge = NewHTTPError(http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
)

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

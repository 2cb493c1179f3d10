package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

// ffmpeg reports progress in two textual dialects. The status line printed
// to stderr packs everything into one line:
//
//	frame=  123 fps= 25 q=28.0 size=    1024KiB time=00:00:06.00 bitrate= 139.9kbits/s speed=1.2x
//
// while the -progress stream emits one key=value pair per line with
// different key names (out_time, total_size, stream_0_0_q). Both are
// newline- or carriage-return-delimited key=value records, so a single
// incremental parser covers them.
var progressKV = regexp.MustCompile(`([A-Za-z_0-9]+)=\s*(\S+)`)

const unavailable = "N/A"

type progressParser struct {
	buf    []byte
	record map[string]string
}

func newProgressParser() *progressParser {
	return &progressParser{record: map[string]string{}}
}

// Feed consumes one read's worth of output. Partial lines are held back
// until the next read completes them. A sample is emitted once per record,
// and only once the record holds both a frame count and a usable
// elapsed-time value; the record is then cleared so it cannot re-emit.
func (p *progressParser) Feed(chunk []byte) []entity.ProgressSample {
	p.buf = append(p.buf, chunk...)

	var samples []entity.ProgressSample
	for {
		i := bytes.IndexAny(p.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+1:]

		for _, m := range progressKV.FindAllStringSubmatch(line, -1) {
			p.record[m[1]] = m[2]
		}
		if s, ok := p.tryEmit(); ok {
			samples = append(samples, s)
		}
	}
	return samples
}

func (p *progressParser) tryEmit() (entity.ProgressSample, bool) {
	frameStr, ok := p.record["frame"]
	if !ok || frameStr == unavailable {
		return entity.ProgressSample{}, false
	}
	outTime, ok := elapsedTime(p.record)
	if !ok {
		return entity.ProgressSample{}, false
	}

	frame, err := strconv.ParseInt(frameStr, 10, 64)
	if err != nil {
		return entity.ProgressSample{}, false
	}

	s := entity.ProgressSample{
		Frame:   frame,
		OutTime: outTime,
		Percent: entity.ProgressUnknown,
	}
	if v, ok := p.record["fps"]; ok {
		s.FPS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := p.record["q"]; ok {
		s.Quality, _ = strconv.ParseFloat(v, 64)
	} else if v, ok := p.record["stream_0_0_q"]; ok {
		s.Quality, _ = strconv.ParseFloat(v, 64)
	}
	s.Size = sizeBytes(p.record)
	if v, ok := p.record["bitrate"]; ok && v != unavailable {
		s.Bitrate = v
	}
	if v, ok := p.record["speed"]; ok && v != unavailable {
		s.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(v, "x"), 64)
	}

	p.record = map[string]string{}
	return s, true
}

// elapsedTime extracts the elapsed source time from whichever dialect's key
// is present. An "N/A" value means the record is not yet usable.
func elapsedTime(record map[string]string) (time.Duration, bool) {
	for _, key := range []string{"out_time_us", "out_time_ms"} {
		v, ok := record[key]
		if !ok {
			continue
		}
		if v == unavailable {
			return 0, false
		}
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(us) * time.Microsecond, true
	}
	for _, key := range []string{"out_time", "time"} {
		v, ok := record[key]
		if !ok {
			continue
		}
		if v == unavailable {
			return 0, false
		}
		return parseClock(v)
	}
	return 0, false
}

// parseClock parses ffmpeg's HH:MM:SS.fraction timestamps.
func parseClock(v string) (time.Duration, bool) {
	v = strings.TrimPrefix(v, "-")
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second))
	return d, true
}

// sizeBytes normalizes the cumulative output size, which the status line
// reports with a KiB suffix and the -progress stream reports in bytes.
func sizeBytes(record map[string]string) int64 {
	if v, ok := record["total_size"]; ok && v != unavailable {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	for _, key := range []string{"size", "Lsize"} {
		v, ok := record[key]
		if !ok || v == unavailable {
			continue
		}
		mult := int64(1)
		switch {
		case strings.HasSuffix(v, "KiB"):
			v, mult = strings.TrimSuffix(v, "KiB"), 1024
		case strings.HasSuffix(v, "kB"):
			v, mult = strings.TrimSuffix(v, "kB"), 1000
		case strings.HasSuffix(v, "B"):
			v = strings.TrimSuffix(v, "B")
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n * mult
		}
	}
	return 0
}

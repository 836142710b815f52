package interval

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteRTTM writes one SPEAKER line per interval:
//
//	SPEAKER <file> 1 <start> <duration> <NA> <NA> <speaker> <NA> <NA>
func WriteRTTM(w io.Writer, file string, intervals []Interval) error {
	bw := bufio.NewWriter(w)
	for _, iv := range intervals {
		if _, err := fmt.Fprintf(bw, "SPEAKER %s 1 %.3f %.3f <NA> <NA> %s <NA> <NA>\n",
			file, iv.Start, iv.Duration(), iv.Speaker); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRTTM parses SPEAKER lines and returns the intervals sorted by start.
// Blank lines and lines of other record types are skipped.
func ReadRTTM(r io.Reader) ([]Interval, error) {
	var out []Interval
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "SPEAKER" {
			continue
		}
		if len(fields) < 8 {
			return nil, fmt.Errorf("rttm line %d: expected at least 8 fields, got %d", line, len(fields))
		}
		start, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("rttm line %d: start: %w", line, err)
		}
		dur, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("rttm line %d: duration: %w", line, err)
		}
		out = append(out, Interval{Start: start, End: start + dur, Speaker: fields[7]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return SortByStart(out), nil
}

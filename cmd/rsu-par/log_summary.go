package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"rsu-par/internal/framelog"
	"rsu-par/internal/j2735"
	"rsu-par/internal/rtcm"
)

type logSummary struct {
	Segments    int
	Frames      int
	Invalid     int
	CountGaps   int // frames whose msgCnt did not follow the previous one
	MaxDuration time.Duration
	TypeCounts  map[int]int
	PayloadMax  int
}

func summarizeCorrectionLog(records []framelog.Record) logSummary {
	s := logSummary{TypeCounts: map[int]int{}}

	origin := time.Duration(0)
	segments := 0
	prevCnt := -1

	for _, r := range records {
		if r.Frame == nil {
			segments++
			origin = r.At
			prevCnt = -1
			continue
		}
		if segments == 0 {
			segments = 1
		}

		s.Frames++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		c, err := j2735.DecodeFrame(r.Frame)
		if err != nil {
			s.Invalid++
			continue
		}
		if prevCnt >= 0 && int(c.MsgCnt) != (prevCnt+1)%j2735.MaxCount {
			s.CountGaps++
		}
		prevCnt = int(c.MsgCnt)
		if len(c.Payload) > s.PayloadMax {
			s.PayloadMax = len(c.Payload)
		}
		for _, typeID := range rtcmTypes(c.Payload) {
			s.TypeCounts[typeID]++
		}
	}
	s.Segments = segments
	return s
}

// rtcmTypes lists the message numbers of the RTCM3 frames packed in p.
func rtcmTypes(p []byte) []int {
	var out []int
	for len(p) > 0 {
		adv, tok, err := rtcm.SplitFrames(p, true)
		if err != nil || adv == 0 {
			break
		}
		if tok != nil {
			if typeID, err := rtcm.MessageType(tok); err == nil {
				out = append(out, typeID)
			}
		}
		p = p[adv:]
	}
	return out
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := framelog.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeCorrectionLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "frames: %d\n", s.Frames)
	fmt.Fprintf(w, "invalid_frames: %d\n", s.Invalid)
	fmt.Fprintf(w, "msg_cnt_gaps: %d\n", s.CountGaps)
	fmt.Fprintf(w, "max_payload: %d\n", s.PayloadMax)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	keys := make([]int, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fmt.Fprintf(w, "rtcm_type_counts:\n")
	for _, k := range keys {
		fmt.Fprintf(w, "  %d: %d\n", k, s.TypeCounts[k])
	}
	return nil
}

package recording

import (
	"fmt"
	"sort"

	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/schema"
)

const (
	// MaxPlaybackEvents caps the tabulated event view; the earliest events
	// are kept.
	MaxPlaybackEvents = 2000

	// MaxSeriesPoints is the render cap one decoded signal series may reach
	// before it is downsampled.
	MaxSeriesPoints = 5000
)

// Point is one sample of a decoded signal series.
type Point struct {
	Timestamp float64 `json:"timestamp"`
	Relative  float64 `json:"relative"`
	Value     float64 `json:"value"`
}

// Series is the decoded time series of one (message, signal) pair.
type Series struct {
	Key            string  `json:"key"`
	Message        string  `json:"message"`
	Signal         string  `json:"signal"`
	Unit           string  `json:"unit,omitempty"`
	Points         []Point `json:"points"`
	Downsampled    bool    `json:"downsampled"`
	OriginalPoints int     `json:"original_points"`
}

// PlaybackEvent is one row of the tabulated event view.
type PlaybackEvent struct {
	Type         string         `json:"type"`
	Timestamp    float64        `json:"timestamp"`
	RelativeTime float64        `json:"relative_time"`
	ID           uint32         `json:"id"`
	DLC          uint8          `json:"dlc"`
	Data         []int          `json:"data"`
	Message      string         `json:"message,omitempty"`
	Decoded      map[string]any `json:"decoded,omitempty"`
	PeriodMs     int            `json:"periodMs,omitempty"`
}

// PlaybackResult is the decoded view of one finalized recording.
type PlaybackResult struct {
	Log         Log             `json:"log"`
	Events      []PlaybackEvent `json:"events"`
	EventsShown int             `json:"events_shown"`
	EventsTotal int             `json:"events_total"`
	Series      []Series        `json:"series"`
}

// Decode reconstructs per-signal series and the tabulated event view from a
// finalized recording and a schema. The schema may differ from the one
// active during capture; events whose frame id matches no message pass
// through undecoded.
func Decode(log *Log, sch *schema.Schema) (*PlaybackResult, error) {
	if log == nil {
		return nil, fmt.Errorf("recording is required")
	}

	seriesMap := make(map[string]*Series)
	result := &PlaybackResult{
		EventsTotal: len(log.Events),
	}

	var duration float64
	for _, ev := range log.Events {
		relative := ev.Timestamp - log.StartedAt
		if relative > duration {
			duration = relative
		}

		data := models.DataBytes(ev.Data)
		var (
			msg     *schema.Message
			decoded map[string]codec.DecodedSignal
		)
		if m, ok := sch.MessageByFrameID(ev.ID); ok {
			msg = m
		} else if ev.Message != "" {
			// Capture-time message name as fallback; the schema given for
			// playback may use different frame ids.
			if m, ok := sch.MessageByName(ev.Message); ok {
				msg = m
			}
		}
		if msg != nil {
			if d, err := codec.Decode(msg, data); err == nil {
				decoded = d
				appendSeriesPoints(seriesMap, msg, d, ev.Timestamp, relative)
			}
		}

		if len(result.Events) < MaxPlaybackEvents {
			row := PlaybackEvent{
				Type:         ev.Type,
				Timestamp:    ev.Timestamp,
				RelativeTime: relative,
				ID:           ev.ID,
				DLC:          ev.DLC,
				Data:         ev.Data,
				Message:      ev.Message,
				PeriodMs:     ev.PeriodMs,
			}
			if msg != nil {
				row.Message = msg.Name
			}
			if decoded != nil {
				row.Decoded = make(map[string]any, len(decoded))
				for name, ds := range decoded {
					row.Decoded[name] = ds
				}
			}
			result.Events = append(result.Events, row)
		}
	}

	result.EventsShown = len(result.Events)

	result.Series = make([]Series, 0, len(seriesMap))
	for _, s := range seriesMap {
		s.OriginalPoints = len(s.Points)
		if len(s.Points) > MaxSeriesPoints {
			s.Points = downsample(s.Points, MaxSeriesPoints)
			s.Downsampled = true
		}
		result.Series = append(result.Series, *s)
	}
	sort.Slice(result.Series, func(i, j int) bool {
		return result.Series[i].Key < result.Series[j].Key
	})

	result.Log = log.Info()
	result.Log.Duration = duration
	result.Log.EventCount = len(log.Events)

	return result, nil
}

func appendSeriesPoints(seriesMap map[string]*Series, msg *schema.Message, decoded map[string]codec.DecodedSignal, timestamp, relative float64) {
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		ds, ok := decoded[sig.Name]
		if !ok {
			continue
		}
		key := msg.Name + "." + sig.Name
		entry, ok := seriesMap[key]
		if !ok {
			entry = &Series{
				Key:     key,
				Message: msg.Name,
				Signal:  sig.Name,
				Unit:    sig.Unit,
			}
			seriesMap[key] = entry
		}
		entry.Points = append(entry.Points, Point{
			Timestamp: timestamp,
			Relative:  relative,
			Value:     ds.Value,
		})
	}
}

// downsample reduces points to at most max samples using an
// extremum-preserving bucket reduction: the points are split into max/2
// evenly sized buckets and each bucket contributes its minimum and maximum
// value in chronological order, so peaks survive the reduction.
func downsample(points []Point, max int) []Point {
	if len(points) <= max || max < 2 {
		return points
	}

	buckets := max / 2
	out := make([]Point, 0, max)

	for b := 0; b < buckets; b++ {
		start := b * len(points) / buckets
		end := (b + 1) * len(points) / buckets
		if start >= end {
			continue
		}

		minIdx, maxIdx := start, start
		for i := start + 1; i < end; i++ {
			if points[i].Value < points[minIdx].Value {
				minIdx = i
			}
			if points[i].Value > points[maxIdx].Value {
				maxIdx = i
			}
		}

		if minIdx == maxIdx {
			out = append(out, points[minIdx])
		} else if minIdx < maxIdx {
			out = append(out, points[minIdx], points[maxIdx])
		} else {
			out = append(out, points[maxIdx], points[minIdx])
		}
	}

	return out
}

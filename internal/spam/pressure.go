// Package spam scores every inbound group message against the configured
// pressure weights and, on an edge-triggered threshold crossing, silences
// the author and posts a full breakdown to the mod log.
package spam

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"warden/internal/config"
	kit "warden/internal/transport"
)

// Factor is one contribution to a message's pressure delta. Detail
// explains the arithmetic ("≈ 25 line breaks × 2"); it is empty for flat
// costs like the base and repeat factors.
type Factor struct {
	Label  string
	Amount float64
	Detail string
}

func (f Factor) line() string {
	s := f.Label + ": " + formatPressure(f.Amount)
	if f.Detail != "" {
		s += " ≈ " + f.Detail
	}
	return s
}

// Breakdown is the nonzero factors of one message, largest first.
type Breakdown []Factor

// Total is the pressure delta the message adds.
func (b Breakdown) Total() float64 {
	var sum float64
	for _, f := range b {
		sum += f.Amount
	}
	return sum
}

// RenderPlain renders one factor per line.
func (b Breakdown) RenderPlain() string {
	lines := make([]string, len(b))
	for i, f := range b {
		lines[i] = f.line()
	}
	return strings.Join(lines, "\n")
}

// RenderRich renders one factor per line with the largest bolded.
func (b Breakdown) RenderRich() string {
	lines := make([]string, len(b))
	for i, f := range b {
		if i == 0 {
			lines[i] = "<b>" + f.line() + "</b>"
		} else {
			lines[i] = f.line()
		}
	}
	return strings.Join(lines, "\n")
}

// formatPressure prints a pressure value minimally: 60 not 60.0, 68.4 not
// 68.40. Values are rounded to two decimals first so float artifacts from
// the weight arithmetic never leak into logs.
func formatPressure(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// AlarmText is the pressure line of a spam alarm.
func AlarmText(old, new, max float64) string {
	return fmt.Sprintf("This user's last message raised their pressure from %s to %s, exceeding %s",
		formatPressure(old), formatPressure(new), formatPressure(max))
}

// Score computes the pressure delta one message adds, factor by factor.
// previous is the author's immediately preceding message text; matching it
// costs the flat repeat weight.
func Score(cfg config.SpamConfig, msg kit.Message, previous string) Breakdown {
	var b Breakdown

	add := func(label string, amount float64, detail string) {
		if amount == 0 {
			return
		}
		b = append(b, Factor{Label: label, Amount: amount, Detail: detail})
	}

	add("Base", cfg.BasePressure, "")

	lineBreaks := strings.Count(msg.Text, "\n")
	add("Lines", float64(lineBreaks)*cfg.LinePressure,
		fmt.Sprintf("%d line breaks × %s", lineBreaks, formatPressure(cfg.LinePressure)))

	length := utf8.RuneCountInString(msg.Text)
	add("Length", float64(length)*cfg.LengthPressure,
		fmt.Sprintf("%d characters × %s", length, formatPressure(cfg.LengthPressure)))

	add("Mentions", float64(msg.Mentions)*cfg.PingPressure,
		fmt.Sprintf("%d mentions × %s", msg.Mentions, formatPressure(cfg.PingPressure)))

	add("Embeds", float64(msg.Attachments)*cfg.ImagePressure,
		fmt.Sprintf("%d embeds × %s", msg.Attachments, formatPressure(cfg.ImagePressure)))

	if msg.Text != "" && msg.Text == previous {
		add("Repeat of Previous Message", cfg.RepeatPressure, "")
	}

	sort.SliceStable(b, func(i, j int) bool { return b[i].Amount > b[j].Amount })
	return b
}

// Decay reduces stored pressure linearly with elapsed time: base_pressure
// points per pressure_decay window, floored at zero so pressure always
// returns toward zero and never goes negative.
func Decay(pressure float64, elapsedSeconds, basePressure, decaySeconds float64) float64 {
	if elapsedSeconds <= 0 || decaySeconds <= 0 {
		return pressure
	}
	pressure -= basePressure * elapsedSeconds / decaySeconds
	if pressure < 0 {
		return 0
	}
	return pressure
}

package transcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Audio filter parameter mapping, shared verbatim by the remote request and
// the ffmpeg fallback argv.

const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// eqPresets maps preset names to fixed ffmpeg filter expressions. "flat"
// (and empty) means no filter.
var eqPresets = map[string]string{
	"bass_boost": "equalizer=f=100:width_type=o:width=1.0:g=6.0",
	"voice":      "highpass=f=80,equalizer=f=3000:width_type=o:width=1.0:g=3.0",
	"treble":     "equalizer=f=8000:width_type=o:width=1.5:g=4.0",
	"flat":       "",
}

// ValidEQPreset reports whether name is a known preset.
func ValidEQPreset(name string) bool {
	if name == "" {
		return true
	}
	_, ok := eqPresets[name]
	return ok
}

// ValidSpeed reports whether factor is inside the supported tempo range.
func ValidSpeed(factor float64) bool {
	return factor >= MinSpeed && factor <= MaxSpeed
}

// VolumeDB converts a linear gain factor to decibels: 20*log10(factor).
// A non-positive factor maps to silence (-96 dB).
func VolumeDB(factor float64) float64 {
	if factor <= 0 {
		return -96.0
	}
	return 20.0 * math.Log10(factor)
}

// filterChain renders the -af expression list for a request. An empty slice
// means no audio filtering is needed.
func filterChain(req Request) []string {
	var filters []string

	if f := req.Filters; f != nil {
		if expr, ok := eqPresets[f.EQPreset]; ok && expr != "" {
			filters = append(filters, expr)
		}
		if f.Speed != 0 && ValidSpeed(f.Speed) && math.Abs(f.Speed-1.0) > 0.001 {
			filters = append(filters, fmt.Sprintf("atempo=%.4f", f.Speed))
		}
		if f.Volume != 0 && math.Abs(f.Volume-1.0) > 0.001 {
			filters = append(filters, fmt.Sprintf("volume=%.1fdB", VolumeDB(f.Volume)))
		}
	}

	if req.FadeIn > 0 {
		filters = append(filters, fmt.Sprintf("afade=t=in:st=0:d=%.2f", req.FadeIn))
	}
	if req.Normalize {
		target := req.TargetLoudness
		if target == 0 {
			target = -16.0
		}
		filters = append(filters, fmt.Sprintf("loudnorm=I=%.1f:TP=-1.5:LRA=11:print_format=none", target))
	}

	return filters
}

var codecByFormat = map[string]string{
	"opus": "libopus",
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"pcm":  "pcm_s16le",
}

var containerByFormat = map[string]string{
	"opus": "ogg",
	"mp3":  "mp3",
	"aac":  "adts",
	"pcm":  "s16le",
}

// ffmpegArgs builds the argv (excluding the binary itself) for the fallback
// subprocess, writing the encoded stream to stdout.
func ffmpegArgs(req Request) []string {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = "opus"
	}
	codec, ok := codecByFormat[format]
	if !ok {
		format = "opus"
		codec = "libopus"
	}

	bitrate := req.Bitrate
	if bitrate <= 0 {
		bitrate = 64
	}
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 2
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-i", req.SourceURL,
		"-c:a", codec,
	}
	if format != "pcm" {
		args = append(args, "-b:a", strconv.Itoa(bitrate)+"k")
	}
	args = append(args,
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	)
	if filters := filterChain(req); len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	args = append(args, "-f", containerByFormat[format], "pipe:1")
	return args
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/qqclaw/internal/silk"
)

// VoiceCmd groups the codec utilities.
type VoiceCmd struct {
	Encode VoiceEncodeCmd `cmd:"" help:"Convert audio (wav, ogg/opus or raw silk) to vendor SILK."`
	Decode VoiceDecodeCmd `cmd:"" help:"Convert SILK voice to WAV."`
}

// VoiceEncodeCmd converts an audio file to the vendor SILK format.
type VoiceEncodeCmd struct {
	Input  string `arg:"" type:"existingfile" help:"Input audio file."`
	Output string `short:"o" help:"Output file. Defaults to the input name with .silk."`
}

func (v *VoiceEncodeCmd) Run(cli *CLI) error {
	initLogging(cli)

	data, err := os.ReadFile(v.Input)
	if err != nil {
		return err
	}
	voice, err := silk.PrepareVoice(data)
	if err != nil {
		return err
	}

	out := v.Output
	if out == "" {
		out = replaceExt(v.Input, ".silk")
	}
	if err := os.WriteFile(out, voice.SILK, 0644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, %s\n", out, len(voice.SILK), durationString(voice.DurationMs))
	return nil
}

// VoiceDecodeCmd converts a SILK voice file to WAV.
type VoiceDecodeCmd struct {
	Input  string `arg:"" type:"existingfile" help:"Input SILK file."`
	Output string `short:"o" help:"Output file. Defaults to the input name with .wav."`
}

func (v *VoiceDecodeCmd) Run(cli *CLI) error {
	initLogging(cli)

	data, err := os.ReadFile(v.Input)
	if err != nil {
		return err
	}
	audio, err := silk.Decode(data)
	if err != nil {
		return err
	}

	out := v.Output
	if out == "" {
		out = replaceExt(v.Input, ".wav")
	}
	if err := os.WriteFile(out, audio.WAV, 0644); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, %s\n", out, len(audio.WAV), durationString(audio.DurationMs))
	return nil
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func durationString(ms int) string {
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/notewell/attend/pkg/models"
)

// VideoFrameRate is the compositor output rate.
const VideoFrameRate = 25

// Output describes a finalized artifact on local disk.
type Output struct {
	Path     string
	ByteSize int64
}

// Sink consumes mixed audio and composited video and produces the
// artifact file. The ffmpeg sink is the production implementation;
// tests substitute an in-memory one.
type Sink interface {
	WriteAudio(pcm []int16) error
	WriteVideo(frame []byte) error

	// Finalize flushes, closes the container, and fsyncs the file.
	Finalize() (Output, error)

	// Abort kills the encoder and removes the partial file.
	Abort()
}

// FFmpegSink muxes via an ffmpeg child process. Audio arrives as raw
// s16le on stdin; for video formats, JPEG frames arrive on fd 3.
type FFmpegSink struct {
	cmd        *exec.Cmd
	audioIn    *os.File
	videoIn    *os.File
	outputPath string
	withVideo  bool

	mu       sync.Mutex
	finished bool
}

// NewFFmpegSink starts ffmpeg for the requested container.
func NewFFmpegSink(ctx context.Context, format models.RecordingFormat, outputPath string) (*FFmpegSink, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", fmt.Sprint(SampleRate), "-ac", "1", "-i", "pipe:0",
	}

	withVideo := false
	switch format {
	case models.RecordingFormatMP3:
		args = append(args, "-codec:a", "libmp3lame", "-q:a", "2")
	case models.RecordingFormatMP4:
		withVideo = true
		args = append(args,
			"-f", "image2pipe", "-framerate", fmt.Sprint(VideoFrameRate), "-i", "pipe:3",
			"-map", "1:v", "-map", "0:a",
			"-codec:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
			"-codec:a", "aac", "-movflags", "+faststart")
	case models.RecordingFormatWebM:
		withVideo = true
		args = append(args,
			"-f", "image2pipe", "-framerate", fmt.Sprint(VideoFrameRate), "-i", "pipe:3",
			"-map", "1:v", "-map", "0:a",
			"-codec:v", "libvpx-vp9", "-deadline", "realtime",
			"-codec:a", "libopus")
	default:
		return nil, fmt.Errorf("unsupported recording format %q", format)
	}
	args = append(args, "-y", outputPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	audioRead, audioWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("audio pipe: %w", err)
	}
	cmd.Stdin = audioRead

	var videoWrite *os.File
	if withVideo {
		videoRead, vw, err := os.Pipe()
		if err != nil {
			audioRead.Close()
			audioWrite.Close()
			return nil, fmt.Errorf("video pipe: %w", err)
		}
		cmd.ExtraFiles = []*os.File{videoRead} // becomes fd 3
		videoWrite = vw
	}

	if err := cmd.Start(); err != nil {
		audioRead.Close()
		audioWrite.Close()
		if videoWrite != nil {
			videoWrite.Close()
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	// Parent keeps only the write ends.
	audioRead.Close()
	if len(cmd.ExtraFiles) > 0 {
		cmd.ExtraFiles[0].Close()
	}

	return &FFmpegSink{
		cmd:        cmd,
		audioIn:    audioWrite,
		videoIn:    videoWrite,
		outputPath: outputPath,
		withVideo:  withVideo,
	}, nil
}

// WriteAudio feeds one batch of mixed samples.
func (s *FFmpegSink) WriteAudio(pcm []int16) error {
	buf := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		buf[2*i] = byte(sample)
		buf[2*i+1] = byte(uint16(sample) >> 8)
	}
	if _, err := s.audioIn.Write(buf); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// WriteVideo feeds one composited JPEG frame.
func (s *FFmpegSink) WriteVideo(frame []byte) error {
	if !s.withVideo {
		return nil
	}
	if _, err := s.videoIn.Write(frame); err != nil {
		return fmt.Errorf("write video: %w", err)
	}
	return nil
}

// Finalize closes the inputs, waits for ffmpeg to write the trailer, and
// fsyncs the artifact so a crash after return cannot lose it.
func (s *FFmpegSink) Finalize() (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return Output{}, fmt.Errorf("sink already finalized")
	}
	s.finished = true

	s.audioIn.Close()
	if s.videoIn != nil {
		s.videoIn.Close()
	}
	if err := s.cmd.Wait(); err != nil {
		return Output{}, fmt.Errorf("ffmpeg: %w", err)
	}

	f, err := os.OpenFile(s.outputPath, os.O_RDWR, 0)
	if err != nil {
		return Output{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return Output{}, fmt.Errorf("fsync artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return Output{}, fmt.Errorf("stat artifact: %w", err)
	}
	return Output{Path: s.outputPath, ByteSize: info.Size()}, nil
}

// Abort kills ffmpeg and removes the partial artifact.
func (s *FFmpegSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true

	s.audioIn.Close()
	if s.videoIn != nil {
		s.videoIn.Close()
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	_ = os.Remove(s.outputPath)
}

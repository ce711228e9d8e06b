package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
)

var ErrInputMissing = errors.New("input file does not exist")

// Client 调用 ffmpeg/ffprobe 可执行文件
type Client struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
}

func New(cfg config.FFmpegConfig) *Client {
	c := &Client{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		timeout:     cfg.Timeout,
	}
	if c.ffmpegPath == "" {
		c.ffmpegPath = "ffmpeg"
	}
	if c.ffprobePath == "" {
		c.ffprobePath = "ffprobe"
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

func (c *Client) run(ctx context.Context, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%s timed out after %s: %w", filepath.Base(bin), timeout, runCtx.Err())
		}
		return out, fmt.Errorf("%s failed: %w, output: %s", filepath.Base(bin), err, tail(string(out), 500))
	}
	return out, nil
}

// ExtractFirstFrame 导出第一帧
func (c *Client) ExtractFirstFrame(ctx context.Context, videoPath, outPath string) error {
	return c.extractFrame(ctx, videoPath, outPath, false)
}

// ExtractLastFrame 导出最后一秒内的一帧
func (c *Client) ExtractLastFrame(ctx context.Context, videoPath, outPath string) error {
	return c.extractFrame(ctx, videoPath, outPath, true)
}

func (c *Client) extractFrame(ctx context.Context, videoPath, outPath string, last bool) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("%w: %s", ErrInputMissing, videoPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create frame dir: %w", err)
	}

	args := []string{"-y"}
	if last {
		args = append(args, "-sseof", "-1")
	}
	args = append(args, "-i", videoPath, "-vframes", "1", outPath)

	if _, err := c.run(ctx, c.timeout, c.ffmpegPath, args...); err != nil {
		return err
	}
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("frame was not written to %s", outPath)
	}
	return nil
}

// MuxSoundtrack 把音轨合并到视频，完成后替换原视频
func (c *Client) MuxSoundtrack(ctx context.Context, videoPath, audioPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("%w: %s", ErrInputMissing, videoPath)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("%w: %s", ErrInputMissing, audioPath)
	}

	ext := filepath.Ext(videoPath)
	tmp := strings.TrimSuffix(videoPath, ext) + "_soundtrack" + ext

	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		tmp,
	}
	// 合并音轨要重新编码音频，给更宽的超时
	if _, err := c.run(ctx, 10*c.timeout, c.ffmpegPath, args...); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, videoPath); err != nil {
		return fmt.Errorf("failed to replace video with muxed output: %w", err)
	}
	log.Info().Str("video", videoPath).Str("audio", audioPath).Msg("Soundtrack merged")
	return nil
}

// MediaInfo ffprobe 得到的媒体信息
type MediaInfo struct {
	Width      int
	Height     int
	Fps        float64
	Duration   float64
	FrameCount int
	Codec      string
	Bitrate    int64
	AudioCodec string
	Size       int64
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		BitRate      string `json:"bit_rate"`
		NbFrames     string `json:"nb_frames"`
		DurationSecs string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe 读取视频或图片的基本信息
func (c *Client) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputMissing, path)
	}

	out, err := c.run(ctx, c.timeout, c.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, err
	}
	return ParseProbe(out)
}

// ParseProbe 解析 ffprobe -print_format json 的输出
func ParseProbe(data []byte) (*MediaInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	info.Duration, _ = strconv.ParseFloat(p.Format.Duration, 64)
	info.Size, _ = strconv.ParseInt(p.Format.Size, 10, 64)

	foundVideo := false
	for _, s := range p.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width = s.Width
			info.Height = s.Height
			info.Codec = s.CodecName
			info.Fps = ParseFrameRate(s.RFrameRate)
			info.Bitrate, _ = strconv.ParseInt(s.BitRate, 10, 64)
			info.FrameCount, _ = strconv.Atoi(s.NbFrames)
			if info.Duration == 0 {
				info.Duration, _ = strconv.ParseFloat(s.DurationSecs, 64)
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if !foundVideo {
		return nil, errors.New("no video stream found")
	}
	if info.Bitrate == 0 {
		info.Bitrate, _ = strconv.ParseInt(p.Format.BitRate, 10, 64)
	}
	if info.FrameCount == 0 && info.Fps > 0 && info.Duration > 0 {
		info.FrameCount = int(info.Fps * info.Duration)
	}
	return info, nil
}

// ParseFrameRate 解析 "30000/1001" 或 "25"
func ParseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

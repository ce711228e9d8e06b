package render

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelDisabled    = errors.New("model is disabled")
	ErrUnknownGenerator = errors.New("unknown generator")
)

// ModelLookup 查询模型文件
type ModelLookup interface {
	GetByID(id int64) (*model.ModelFile, error)
}

// FrameExtractor 从视频导出尾帧
type FrameExtractor interface {
	ExtractLastFrame(ctx context.Context, videoPath, outPath string) error
}

// Invocation 一次渲染调用：可执行文件 + argv，以及本次的参数快照
type Invocation struct {
	Path             string
	Args             []string
	Snapshot         string
	Revision         string
	Overwrite        bool
	InitPath         string
	OutputPath       string
	PreviewImg       string
	PreviewAnimation string
	PreviewFrames    int
	Remote           bool // deforum：命令只提交任务，结果靠轮询
}

func (i *Invocation) IsPreview() bool {
	return i.PreviewFrames > 0
}

// CommandLine 仅用于日志
func (i *Invocation) CommandLine() string {
	return i.Path + " " + strings.Join(i.Args, " ")
}

type Builder struct {
	cfg    config.RenderConfig
	paths  *Paths
	models ModelLookup
	frames FrameExtractor
}

func NewBuilder(cfg config.RenderConfig, paths *Paths, models ModelLookup, frames FrameExtractor) *Builder {
	return &Builder{
		cfg:    cfg,
		paths:  paths,
		models: models,
		frames: frames,
	}
}

// Build 生成渲染调用，并把新的 generation_parameters / revision 写回 job（由调用方持久化）。
// source 为续接的基础任务，非续接时为 nil。
func (b *Builder) Build(ctx context.Context, job *model.VideoJob, source *model.VideoJob, previewFrames int) (*Invocation, error) {
	mf, err := b.resolveModel(job.ModelID)
	if err != nil {
		return nil, err
	}

	initPath := b.ResolveInitImage(ctx, job, source)

	var (
		params Params
		inv    = &Invocation{
			InitPath:      initPath,
			OutputPath:    b.paths.Finished(job),
			PreviewFrames: previewFrames,
		}
	)

	switch job.Generator {
	case model.GeneratorDeforum:
		params, err = b.deforumParams(job, mf, initPath)
		inv.Path = b.cfg.DeforumProcessorPath
		inv.Remote = true
	case model.GeneratorVid2Vid, "":
		params, err = b.vid2vidParams(job, mf, inv.OutputPath)
		inv.Path = b.cfg.ProcessorPath
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGenerator, job.Generator)
	}
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation parameters: %w", err)
	}
	inv.Snapshot = string(snapshot)
	inv.Revision = Revision(inv.Snapshot)
	inv.Overwrite = job.GenerationParameters != inv.Snapshot
	if inv.Overwrite {
		log.Info().
			Int64("job_id", job.ID).
			Str("revision", inv.Revision).
			Msg("Generation parameters changed, rendering new revision")
	}
	job.GenerationParameters = inv.Snapshot
	job.Revision = inv.Revision

	// 预览参数不计入快照
	preview := b.previewParams(job, previewFrames)
	if v, ok := preview.Get("preview_img"); ok {
		inv.PreviewImg, _ = v.(string)
	}
	if v, ok := preview.Get("preview_animation"); ok {
		inv.PreviewAnimation, _ = v.(string)
	}

	var args []string
	if job.Generator == model.GeneratorDeforum {
		args = append(args, params.Args()...)
		args = append(args, preview.Args()...)
		args = append(args, "--start")
	} else {
		args = append(args, initPath)
		if inv.Overwrite {
			args = append(args, "--overwrite")
		}
		args = append(args, params.Args()...)
		args = append(args, preview.Args()...)
	}
	inv.Args = args

	return inv, nil
}

func (b *Builder) resolveModel(id int64) (*model.ModelFile, error) {
	mf, err := b.models.GetByID(id)
	if err != nil || mf == nil {
		return nil, fmt.Errorf("%w: %d", ErrModelNotFound, id)
	}
	if !mf.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrModelDisabled, mf.Name)
	}
	return mf, nil
}

func (b *Builder) vid2vidParams(job *model.VideoJob, mf *model.ModelFile, outfile string) (Params, error) {
	prompt, negative := b.ApplyPrompts(job.Prompt, job.NegativePrompt)

	params := Params{
		{"width", job.Width},
		{"height", job.Height},
		{"cfg_scale", job.CfgScale},
		{"steps", job.Steps},
		{"denoising_strength", job.DenoisingStrength},
		{"prompt", prompt},
		{"negative_prompt", negative},
		{"seed", job.Seed},
		{"jobid", job.ID},
		{"fps", int(job.Fps)},
		{"model", mf.Filename},
		{"outfile", outfile},
	}
	if job.SoundtrackPath != "" {
		params.Set("soundtrack", job.SoundtrackPath)
	}

	units, err := ControlnetParams(job.Controlnet)
	if err != nil {
		return nil, err
	}
	params = append(params, units...)
	return params, nil
}

func (b *Builder) deforumParams(job *model.VideoJob, mf *model.ModelFile, initPath string) (Params, error) {
	prompt, negative := b.ApplyPrompts(job.Prompt, job.NegativePrompt)

	params := Params{
		{"modelFile", mf.Filename},
		{"init_img", initPath},
		{"json_settings_file", b.cfg.DeforumSettingsFile},
		{"prompts", "0:" + prompt},
		{"negative_prompts", negative},
		{"seed", job.Seed},
		{"fps", int(job.Fps)},
		{"max_frames", job.FrameCount},
		{"strength", job.DenoisingStrength},
		{"jobid", job.ID},
	}
	return params, nil
}

func (b *Builder) previewParams(job *model.VideoJob, previewFrames int) Params {
	if previewFrames <= 0 {
		return nil
	}
	var params Params
	if job.Generator != model.GeneratorDeforum {
		params.Set("preview_url", b.paths.cfg.PreviewPublic)
	}
	params.Set("preview_img", b.paths.PreviewImage(job))
	if previewFrames > 1 {
		params.Set("preview_animation", b.paths.PreviewAnimation(job))
	}
	params.Set("limit_frames_amount", previewFrames)
	return params
}

// ApplyPrompts 去掉双引号并拼接默认后缀；反向提示词为空时只用后缀
func (b *Builder) ApplyPrompts(prompt, negative string) (string, string) {
	prompt = strings.TrimSpace(strings.ReplaceAll(prompt, `"`, ""))
	negative = strings.TrimSpace(strings.ReplaceAll(negative, `"`, ""))

	prompt = joinSuffix(prompt, b.cfg.PromptSuffix)
	if negative == "" {
		negative = b.cfg.NegativePromptSuffix
	} else {
		negative = joinSuffix(negative, b.cfg.NegativePromptSuffix)
	}
	return prompt, negative
}

func joinSuffix(s, suffix string) string {
	if suffix == "" {
		return s
	}
	if s == "" {
		return suffix
	}
	return s + ", " + suffix
}

// ResolveInitImage 续接任务依次使用：已拷贝的初始帧、基础任务保存的尾帧、
// 从基础任务成品视频导出的尾帧、基础任务的原始素材
func (b *Builder) ResolveInitImage(ctx context.Context, job *model.VideoJob, source *model.VideoJob) string {
	if source == nil || !job.IsExtension() {
		return b.paths.Original(job)
	}

	target := b.paths.ExtendInit(job.ID)
	if fileExists(target) {
		return target
	}

	if fileExists(source.LastFramePath) {
		err := CopyFile(source.LastFramePath, target)
		if err == nil {
			return target
		}
		log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to copy last frame for init image")
		return source.LastFramePath
	}

	finished := b.paths.Finished(source)
	if b.frames != nil && source.Outfile != "" && fileExists(finished) {
		err := b.frames.ExtractLastFrame(ctx, finished, target)
		if err == nil {
			return target
		}
		log.Warn().Err(err).Int64("job_id", job.ID).Int64("base_job_id", source.ID).Msg("Failed to extract last frame from base job")
	}

	return b.paths.Original(source)
}

// Revision 快照的 md5
func Revision(snapshot string) string {
	sum := md5.Sum([]byte(snapshot))
	return hex.EncodeToString(sum[:])
}

// CopyFile 复制文件，自动创建目标目录
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

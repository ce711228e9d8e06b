package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
)

// Paths 计算任务相关文件在磁盘上的位置
type Paths struct {
	cfg config.PathsConfig
}

func NewPaths(cfg config.PathsConfig) *Paths {
	return &Paths{cfg: cfg}
}

// Original 上传的原始素材
func (p *Paths) Original(job *model.VideoJob) string {
	return filepath.Join(p.cfg.Videos, filepath.Base(job.Filename))
}

// Finished 完整渲染输出
func (p *Paths) Finished(job *model.VideoJob) string {
	return filepath.Join(p.cfg.Processed, filepath.Base(job.Outfile))
}

func (p *Paths) PreviewImage(job *model.VideoJob) string {
	return filepath.Join(p.cfg.Preview, filepath.Base(job.OutfileStem())+"_preview.png")
}

func (p *Paths) PreviewAnimation(job *model.VideoJob) string {
	return filepath.Join(p.cfg.Preview, filepath.Base(job.OutfileStem())+"_animated_preview.png")
}

// ExtendInit 续接任务使用的初始帧
func (p *Paths) ExtendInit(jobID int64) string {
	return filepath.Join(p.cfg.Videos, fmt.Sprintf("%d_extend_init.png", jobID))
}

// FramePath 首帧/尾帧的存放位置
func (p *Paths) FramePath(job *model.VideoJob, which string) string {
	return filepath.Join(p.cfg.Preview, fmt.Sprintf("%s_%s_frame.png", filepath.Base(job.OutfileStem()), which))
}

func (p *Paths) VideosDir() string {
	return p.cfg.Videos
}

func (p *Paths) ProcessedDir() string {
	return p.cfg.Processed
}

func (p *Paths) PreviewDir() string {
	return p.cfg.Preview
}

// PublicURL 把本地路径换成对外地址：processed/preview/videos 下的相对路径分别映射到 public_url 下的子路径
func (p *Paths) PublicURL(path string) string {
	base := strings.TrimRight(p.cfg.PublicURL, "/")
	if rel, ok := relativeTo(p.cfg.Preview, path); ok {
		if p.cfg.PreviewPublic != "" {
			return strings.TrimRight(p.cfg.PreviewPublic, "/") + "/" + rel
		}
		return base + "/preview/" + rel
	}
	if rel, ok := relativeTo(p.cfg.Processed, path); ok {
		return base + "/processed/" + rel
	}
	if rel, ok := relativeTo(p.cfg.Videos, path); ok {
		return base + "/videos/" + rel
	}
	return base + "/videos/" + filepath.Base(path)
}

func relativeTo(root, path string) (string, bool) {
	if root == "" {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

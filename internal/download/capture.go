package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

var commandContext = exec.CommandContext

// stderrTailLimit はエラーメッセージに含める標準エラー出力の最大バイト数。
const stderrTailLimit = 2048

// CaptureRequest はキャプチャ1回分の入力。
type CaptureRequest struct {
	Job     *model.Job
	Channel model.ChannelProfile
	Stream  model.StreamInfo
}

// Capturer は配信のキャプチャを行う。Captureは配信終了かctxのキャンセルまでブロックし、
// 出力ファイルのパスを返す。
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (string, error)
}

// ExecCapturer はstreamlink互換の外部コマンドで配信を録画するCapturer。
type ExecCapturer struct {
	binary    string
	outputDir string
	logger    *slog.Logger
}

// NewExecCapturer はExecCapturerの新しいインスタンスを生成する。
// binaryが空の場合は"streamlink"を使う。
func NewExecCapturer(binary, outputDir string, logger *slog.Logger) *ExecCapturer {
	if binary == "" {
		binary = "streamlink"
	}
	return &ExecCapturer{binary: binary, outputDir: outputDir, logger: logger}
}

// qualitySelectors は画質ごとのstreamlinkストリーム指定（左から優先）。
var qualitySelectors = map[model.Quality]string{
	model.QualityLow:    "360p,160p,worst",
	model.QualityMedium: "480p,360p,worst",
	model.QualityHigh:   "720p60,720p,best",
	model.QualitySource: "best",
}

// Capture は外部コマンドを起動し、終了するまで待つ。
func (c *ExecCapturer) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	if req.Job == nil {
		return "", errors.New("ジョブが指定されていません")
	}
	login := strings.TrimSpace(req.Channel.Login)
	if login == "" {
		return "", errors.New("チャンネルのログイン名が空です")
	}
	if strings.TrimSpace(c.outputDir) == "" {
		return "", errors.New("出力ディレクトリが設定されていません")
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("出力ディレクトリの作成に失敗しました: %w", err)
	}
	outputPath := filepath.Join(c.outputDir, outputFileName(login, req.Job))

	args := captureArgs(login, req.Job.Quality, outputPath)
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	var stderr tailBuffer
	cmd.Stderr = &stderr

	c.logger.Info("capture process starting",
		slog.String("job_id", req.Job.ID),
		slog.String("broadcaster_login", login),
		slog.String("output", outputPath),
	)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return outputPath, fmt.Errorf("キャプチャが中断されました: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return outputPath, fmt.Errorf("キャプチャコマンドが失敗しました: %w: %s", err, msg)
		}
		return outputPath, fmt.Errorf("キャプチャコマンドが失敗しました: %w", err)
	}

	return outputPath, nil
}

func captureArgs(login string, quality model.Quality, outputPath string) []string {
	selector, ok := qualitySelectors[quality]
	if !ok {
		selector = qualitySelectors[model.QualitySource]
	}
	return []string{
		"--twitch-disable-ads",
		"--force",
		"--output", outputPath,
		"https://www.twitch.tv/" + login,
		selector,
	}
}

// outputFileName は "<login>_<開始時刻>_<ジョブID>.ts" 形式のファイル名を返す。
func outputFileName(login string, job *model.Job) string {
	started := job.CreatedAt
	if started.IsZero() {
		started = time.Now()
	}
	return fmt.Sprintf("%s_%s_%s.ts", login, started.UTC().Format("20060102-150405"), job.ID)
}

// tailBuffer は書き込まれたデータの末尾stderrTailLimitバイトだけを保持する。
type tailBuffer struct {
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - stderrTailLimit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return b.buf.String()
}

var _ Capturer = (*ExecCapturer)(nil)

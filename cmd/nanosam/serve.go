package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getcharzp/go-segment/nanosam"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxUploadSize 上传图片的大小上限
const maxUploadSize = 32 << 20

// predictor 执行分割的引擎
type predictor interface {
	Predict(img image.Image, points []nanosam.Point) (*nanosam.Result, error)
}

// pointRequest 请求中的提示点
type pointRequest struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Label int     `json:"label"`
}

// server 分割服务
//
// 引擎不是并发安全的, 通过 workerChan 保证同一时间只有一个推理
type server struct {
	engine     predictor
	workerChan chan struct{}
	log        logrus.FieldLogger
}

func newServer(engine predictor, log logrus.FieldLogger) *server {
	return &server{
		engine:     engine,
		workerChan: make(chan struct{}, 1),
		log:        log,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/segment", s.handleSegment)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *server) handleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Failed to read image from form. Key must be 'image'", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Failed to decode image", http.StatusBadRequest)
		return
	}

	points, err := parsePointsField(r.FormValue("points"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log := s.log.WithFields(logrus.Fields{"file": header.Filename, "format": format, "points": len(points)})

	start := time.Now()
	res, err := s.predict(r.Context(), img, points)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "Client disconnected", http.StatusRequestTimeout)
		return
	}
	if err != nil {
		log.WithError(err).Warn("分割失败")
		if errors.Is(err, nanosam.ErrTooManyPrompts) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Inference processing failed", http.StatusInternalServerError)
		return
	}
	log.Infof("分割完成, 耗时 %v", time.Since(start))

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Gray()); err != nil {
		http.Error(w, "Failed to encode mask", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Mask-Score", strconv.FormatFloat(float64(res.Score), 'f', 4, 32))
	w.Header().Set("X-Mask-Index", strconv.Itoa(res.MaskIndex))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// predict 持有推理令牌执行分割, 推理异常退出时同样释放令牌
func (s *server) predict(ctx context.Context, img image.Image, points []nanosam.Point) (*nanosam.Result, error) {
	select {
	case s.workerChan <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.workerChan }()

	return s.engine.Predict(img, points)
}

// parsePointsField 解析 JSON 数组形式的提示点, 例如 [{"x":10,"y":20,"label":1}]
func parsePointsField(s string) ([]nanosam.Point, error) {
	if s == "" {
		return nil, nil
	}
	var reqs []pointRequest
	if err := json.Unmarshal([]byte(s), &reqs); err != nil {
		return nil, fmt.Errorf("解析 points 失败: %w", err)
	}
	points := make([]nanosam.Point, len(reqs))
	for i, p := range reqs {
		if p.Label < int(nanosam.LabelBackground) || p.Label > int(nanosam.LabelBoxBotRight) {
			return nil, fmt.Errorf("第 %d 个提示点的标签 %d 无效", i, p.Label)
		}
		points[i] = nanosam.Point{X: p.X, Y: p.Y, Label: nanosam.Label(p.Label)}
	}
	return points, nil
}

func newServeCommand(global *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 分割服务",
		Long: `启动 HTTP 服务:

  POST /segment  multipart 表单, image 为图片, points 为 JSON 提示点, 返回 PNG Mask
  GET  /health   健康检查`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(cmd)
			if err != nil {
				return err
			}
			eng, err := nanosam.NewEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Destroy()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, addr, newServer(eng, global.log))
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "监听地址")
	return cmd
}

// serve 运行 HTTP 服务直到 ctx 结束
func serve(ctx context.Context, addr string, s *server) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infof("监听 http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务异常: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("正在关闭 HTTP 服务")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config 加载引擎的参数
type Config struct {
	ModelPath     string   // .onnx 为模型描述, 其他扩展名视为预编译引擎
	InputNames    []string // 输入绑定名
	OutputNames   []string // 输出绑定名
	DynamicShapes bool     // 是否包含动态绑定, 为 true 时注册 Profiles
	FP16          bool     // 是否启用半精度
	Profiles      []Profile
	UnboundDim    int64 // 初始分配时动态维度的取值, 默认 1
}

// IsModelDescription 根据扩展名判断是否为需要编译的 ONNX 模型描述
func IsModelDescription(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".onnx")
}

// Load 构建或反序列化引擎, 并为每个绑定分配缓冲区
//
// 返回的 Module 拥有 rt 的全部资源; 失败时已获取的资源按相反顺序释放, rt 也会被销毁
func Load(rt Runtime, cfg Config, log logrus.FieldLogger) (*Module, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("module", filepath.Base(cfg.ModelPath))

	m := &Module{
		runtime:  rt,
		log:      log,
		profiles: make(map[string]Profile),
		applied:  make(map[string]Dims),
	}
	if err := m.load(cfg); err != nil {
		if derr := m.Destroy(); derr != nil {
			log.WithError(derr).Warn("释放未完成的引擎失败")
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, cfg.ModelPath, err)
	}
	return m, nil
}

func (m *Module) load(cfg Config) error {
	if cfg.UnboundDim <= 0 {
		cfg.UnboundDim = 1
	}
	opts := BuildOptions{FP16: cfg.FP16}
	if cfg.DynamicShapes {
		for _, p := range cfg.Profiles {
			if err := p.validate(); err != nil {
				return err
			}
			m.profiles[p.Name] = p
		}
		opts.Profiles = cfg.Profiles
	}

	var err error
	if IsModelDescription(cfg.ModelPath) {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return fmt.Errorf("读取模型文件失败: %w", err)
		}
		m.log.WithField("fp16", cfg.FP16).Info("从 ONNX 构建引擎")
		m.engine, err = m.runtime.BuildEngine(cfg.ModelPath, opts)
		if err != nil {
			return fmt.Errorf("构建引擎失败: %w", err)
		}
	} else {
		blob, err := os.ReadFile(cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("读取引擎文件失败: %w", err)
		}
		m.log.Info("反序列化引擎")
		m.engine, err = m.runtime.DeserializeEngine(blob, opts)
		if err != nil {
			return fmt.Errorf("反序列化引擎失败: %w", err)
		}
	}

	if err := m.resolveBindings(cfg); err != nil {
		return err
	}

	if m.context, err = m.engine.CreateContext(); err != nil {
		return fmt.Errorf("创建执行上下文失败: %w", err)
	}
	if m.stream, err = m.runtime.NewStream(); err != nil {
		return fmt.Errorf("创建执行流失败: %w", err)
	}
	if m.buffers, err = NewBufferManager(m.runtime, m.bindings); err != nil {
		return err
	}

	for _, b := range m.bindings {
		m.log.Debug(b.String())
	}
	return nil
}

// resolveBindings 校验调用方提供的绑定名, 并计算初始大小
func (m *Module) resolveBindings(cfg Config) error {
	infos := m.engine.Bindings()
	if len(infos) != len(cfg.InputNames)+len(cfg.OutputNames) {
		return fmt.Errorf("绑定数量不一致: 引擎 %d, 声明 %d", len(infos), len(cfg.InputNames)+len(cfg.OutputNames))
	}

	index := make(map[string]int, len(infos))
	for i, info := range infos {
		index[info.Name] = i
	}
	for _, names := range []struct {
		names []string
		input bool
	}{{cfg.InputNames, true}, {cfg.OutputNames, false}} {
		for _, name := range names.names {
			i, ok := index[name]
			if !ok {
				return fmt.Errorf("%w: %s", ErrBindingNotFound, name)
			}
			if infos[i].IsInput != names.input {
				return fmt.Errorf("绑定 %s 的输入输出类型与声明不一致", name)
			}
		}
	}

	m.bindings = make([]*Binding, len(infos))
	for i, info := range infos {
		b := newBinding(i, info, cfg.UnboundDim)
		if b.Dynamic && b.IsInput && len(m.profiles) > 0 {
			if _, ok := m.profiles[b.Name]; !ok {
				return fmt.Errorf("动态绑定 %s 缺少优化配置", b.Name)
			}
		}
		m.bindings[i] = b
	}
	return nil
}

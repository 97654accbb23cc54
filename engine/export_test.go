package engine

// TruncateHost 破坏主机缓冲区大小, 用于验证复制前的不变量检查
func TruncateHost(m *BufferManager, name string) {
	p := m.pairs[name]
	p.host = p.host[:len(p.host)-1]
}

package idgen

import "strconv"

// Generator ID生成器接口
type Generator interface {
	// NextID 生成下一个唯一ID
	NextID() (int64, error)
}

// NextString 生成字符串形式的 ID（base36），用作会话 ID 等不透明标识
func NextString(g Generator) (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 36), nil
}

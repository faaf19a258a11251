package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"apimocker/pkg/model"
)

// Format 规则文件格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath 根据扩展名推断格式，未知扩展名按 YAML 处理
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// DecodeBundle 读取规则文件，支持 {rules, config} 对象或纯规则数组
func DecodeBundle(r io.Reader, f Format) (model.Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Bundle{}, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return model.Bundle{}, fmt.Errorf("empty rule file")
	}

	var b model.Bundle
	if f == FormatJSON {
		if trimmed[0] == '[' {
			err = json.Unmarshal(trimmed, &b.Rules)
		} else {
			err = json.Unmarshal(trimmed, &b)
		}
	} else {
		var node yaml.Node
		if err = yaml.Unmarshal(trimmed, &node); err == nil {
			if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
				err = node.Content[0].Decode(&b.Rules)
			} else {
				err = node.Decode(&b)
			}
		}
	}
	if err != nil {
		return model.Bundle{}, fmt.Errorf("decode %s rule file: %w", f, err)
	}
	if b.Rules == nil {
		b.Rules = []model.MockRule{}
	}
	return b, nil
}

// EncodeBundle 写出规则文件
func EncodeBundle(w io.Writer, b model.Bundle, f Format) error {
	if f == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return err
	}
	return enc.Close()
}

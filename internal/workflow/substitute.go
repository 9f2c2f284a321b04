package workflow

import (
	"sort"
	"strings"
)

// Substitute replaces ${NAME} and $NAME occurrences with variable values.
// ${NAME} 形式无歧义，优先替换；裸 $NAME 按名字长度从长到短匹配，
// 避免 $A 吃掉 $AB 的前缀。未定义的变量原样保留。
func Substitute(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.ContainsRune(s, '$') {
		return s
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		s = strings.ReplaceAll(s, "${"+name+"}", vars[name])
	}
	for _, name := range names {
		s = replaceBare(s, name, vars[name])
	}
	return s
}

// replaceBare substitutes $NAME only where the following byte cannot extend
// the variable name.
func replaceBare(s, name, value string) string {
	token := "$" + name
	var sb strings.Builder
	for {
		i := strings.Index(s, token)
		if i < 0 {
			sb.WriteString(s)
			break
		}
		end := i + len(token)
		if end < len(s) && isNameByte(s[end]) {
			// 更长的变量名，跳过这个位置
			sb.WriteString(s[:end])
			s = s[end:]
			continue
		}
		sb.WriteString(s[:i])
		sb.WriteString(value)
		s = s[end:]
	}
	return sb.String()
}

func isNameByte(b byte) bool {
	return b == '_' ||
		(b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z') ||
		(b >= '0' && b <= '9')
}

// mergeVars 右侧覆盖左侧。
func mergeVars(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func envList(vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+vars[name])
	}
	return out
}

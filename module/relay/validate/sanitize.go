package validate

import (
	"regexp"
	"strings"
)

var (
	// 成对的 script/iframe 连同内容一起删除
	pairedTagRe = regexp.MustCompile(`(?is)<\s*(script|iframe)\b[^>]*>.*?<\s*/\s*(script|iframe)\s*>`)
	// 未闭合或自闭合的开标签、孤立的闭标签
	strayTagRe = regexp.MustCompile(`(?is)<\s*/?\s*(script|iframe)\b[^>]*>?`)
	// 任意 HTML 开标签，事件属性只在标签内剥离
	openTagRe = regexp.MustCompile(`<[a-zA-Z][^<>]*>`)
	// onclick= / onerror= 等内联事件属性，值可带引号或不带
	eventAttrRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)
	// javascript: 协议，允许中间夹空白
	jsSchemeRe = regexp.MustCompile(`(?i)j\s*a\s*v\s*a\s*s\s*c\s*r\s*i\s*p\s*t\s*:`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Sanitize 剥离脚本注入片段；重复执行直到输出不再变化，避免嵌套拼接绕过。
// 每轮只删不增，有变化就一定变短，循环必然结束
func Sanitize(body string) string {
	out := body
	for {
		next := pairedTagRe.ReplaceAllString(out, "")
		next = strayTagRe.ReplaceAllString(next, "")
		next = openTagRe.ReplaceAllStringFunc(next, func(tag string) string {
			return eventAttrRe.ReplaceAllString(tag, "")
		})
		next = jsSchemeRe.ReplaceAllString(next, "")
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}

// Normalize 去重指纹用：折叠连续空白
func Normalize(body string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(body), " ")
}

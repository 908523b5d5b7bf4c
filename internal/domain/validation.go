package domain

import "strings"

// NormalizeAddress 清理 SMTP 信封或请求参数中的地址：去空白、去尖括号、转小写。
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	return strings.ToLower(strings.TrimSpace(address))
}

// LocalPart 返回第一个 @ 之前的部分，即邮箱 ID。
// 域名部分不参与查找，任何后缀都会解析到同一个邮箱。
func LocalPart(address string) string {
	address = NormalizeAddress(address)
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}

// ComposeAddress 拼接完整地址。
func ComposeAddress(id, domain string) string {
	return id + "@" + strings.ToLower(domain)
}

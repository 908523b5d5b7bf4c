package domain

import "encoding/base64"

// Attachment 表示邮件附件，内容以 base64 文本保存。
type Attachment struct {
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	SizeBytes     int64  `json:"size"`
	ContentBase64 string `json:"content"`
}

// NewAttachment 按原始字节构造附件。
func NewAttachment(filename, contentType string, content []byte) Attachment {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Attachment{
		Filename:      filename,
		ContentType:   contentType,
		SizeBytes:     int64(len(content)),
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}
}

// Bytes 解码附件内容。
func (a Attachment) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.ContentBase64)
}
